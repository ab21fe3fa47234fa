package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/lexassist/lexchat-web/internal/models"
)

// Transport opens the streamed body of a chat-response request. A non-success status or a missing
// body must be returned as an error; the returned body is closed by the controller.
type Transport interface {
	StreamResponse(ctx context.Context, session models.Session, req models.ChatRequest) (io.ReadCloser, error)
}

var (
	// ErrStreamActive is returned by Start when the view already has a stream running.
	ErrStreamActive = errors.New("a stream is already active for this conversation")
	// ErrClosed is returned by Start after the view has been torn down.
	ErrClosed = errors.New("conversation view is closed")
)

// Controller drives the answer stream of one conversation view: it owns the request, its cancellation
// and the flag that keeps a second stream from starting while one is running.
type Controller struct {
	transport Transport
	session   models.Session
	chatID    string
	acc       *Accumulator
	logger    *slog.Logger

	mu     sync.Mutex
	run    *run
	closed bool
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	// gate serializes frame application with cancellation, so that no frame is applied once Cancel
	// has returned.
	gate    sync.Mutex
	stopped bool
}

// NewController creates a controller that streams answers for chatID into acc, acting for session.
func NewController(transport Transport, session models.Session, chatID string, acc *Accumulator, logger *slog.Logger) *Controller {
	return &Controller{
		transport: transport,
		session:   session,
		chatID:    chatID,
		acc:       acc,
		logger: logger.With(
			slog.String("module", "stream"),
			slog.String("chatID", chatID)),
	}
}

// Start sends req and folds the streamed frames into the accumulator until the body ends or the stream
// is cancelled. It blocks for the whole stream.
//
// Missing user and chat ids are filled from the controller's session. Start returns ErrStreamActive if
// another stream is running, nil when the stream ends or is cancelled, and the transport error
// otherwise. Frames that fail to decode are logged and skipped.
func (c *Controller) Start(ctx context.Context, req models.ChatRequest) error {
	done, err := c.Go(ctx, req)
	if err != nil {
		return err
	}
	return <-done
}

// Go is Start without the wait. The stream is registered before Go returns, so a Cancel issued after it
// always reaches the stream; its result is delivered once on the returned channel.
func (c *Controller) Go(ctx context.Context, req models.ChatRequest) (<-chan error, error) {
	return c.Ask(ctx, req, nil)
}

// Ask is Go with a step that places the question in the accumulator. place runs only when the stream
// could be registered, and before any frame of it is applied. A refused question leaves the list
// untouched.
func (c *Controller) Ask(ctx context.Context, req models.ChatRequest, place func(*Accumulator)) (<-chan error, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.run != nil {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	c.run = r
	c.mu.Unlock()

	if place != nil {
		place(c.acc)
	}

	result := make(chan error, 1)
	go func() {
		result <- c.stream(ctx, r, req)
	}()
	return result, nil
}

func (c *Controller) stream(ctx context.Context, r *run, req models.ChatRequest) error {
	defer func() {
		r.cancel()
		c.mu.Lock()
		c.run = nil
		c.mu.Unlock()
		close(r.done)
	}()

	if req.UserID == 0 {
		req.UserID = c.session.UserID
	}
	if req.ChatID == "" {
		req.ChatID = c.chatID
	}

	c.logger.Debug("Starting stream", slog.String("question", req.Question))

	body, err := c.transport.StreamResponse(ctx, c.session, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer body.Close()

	for f, err := range ReadFrames(ctx, body, c.logger) {
		if err != nil {
			return err
		}
		if !r.apply(c.acc, f) {
			return nil
		}
	}

	c.logger.Debug("Stream ended")
	return nil
}

func (r *run) apply(acc *Accumulator, f models.Frame) bool {
	r.gate.Lock()
	defer r.gate.Unlock()
	if r.stopped {
		return false
	}
	acc.Apply(f)
	return true
}

// Cancel aborts the running stream and waits until its read loop has exited. Once Cancel returns no
// frame of that stream will reach the accumulator. It is a no-op when nothing is running. Cancel must
// not be called from an Observer, since notifications are delivered on the read loop.
func (c *Controller) Cancel() {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return
	}

	r.gate.Lock()
	r.stopped = true
	r.gate.Unlock()

	r.cancel()
	<-r.done
}

// Close tears the view down: it cancels the running stream synchronously and refuses later starts.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Cancel()
}

// Active reports whether a stream is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Accumulator returns the accumulator the controller streams into.
func (c *Controller) Accumulator() *Accumulator {
	return c.acc
}

// Session returns the session the controller acts for.
func (c *Controller) Session() models.Session {
	return c.session
}
