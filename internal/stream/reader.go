package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/lexassist/lexchat-web/internal/models"
)

const (
	chunkSize = 4096

	errLoggerKey = "err"

	maxLoggedLine = 256
)

// ReadFrames returns an iterator over the frames of a newline-delimited JSON body.
//
// A line that fails to decode is logged and skipped; the rest of the stream is still processed. A read
// failure is yielded once as an error and ends the iteration. The context is checked after every chunk
// and before every frame, so nothing is yielded once it is done, and cancellation is never reported
// as an error. An unterminated trailing record is decoded when the body ends.
func ReadFrames(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		var sp Splitter
		buf := make([]byte, chunkSize)

		emit := func(line []byte) bool {
			if ctx.Err() != nil {
				return false
			}
			f, err := models.ParseFrame(line)
			if err != nil {
				logger.Warn("Skipping malformed frame",
					slog.String("line", truncateLine(line)),
					slog.String(errLoggerKey, err.Error()))
				return true
			}
			return yield(f, nil)
		}

		for {
			n, err := r.Read(buf)
			if ctx.Err() != nil {
				return
			}
			for _, line := range sp.Feed(buf[:n]) {
				if !emit(line) {
					return
				}
			}
			if err == nil {
				continue
			}

			if errors.Is(err, io.EOF) {
				if rest := sp.Flush(); rest != nil {
					emit(rest)
				}
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Frame{}, fmt.Errorf("error reading stream: %w", err))
			return
		}
	}
}

func truncateLine(line []byte) string {
	if len(line) <= maxLoggedLine {
		return string(line)
	}
	return string(line[:maxLoggedLine]) + "..."
}
