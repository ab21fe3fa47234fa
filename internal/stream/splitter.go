package stream

import "bytes"

// Splitter cuts an arbitrarily chunked byte stream into newline-terminated records.
//
// Chunk boundaries carry no meaning: a record may span several chunks and a chunk may hold several
// records. Bytes after the last newline are kept until the next Feed or Flush. Splitting on the
// newline byte is safe for UTF-8, since 0x0A never occurs inside a multi-byte sequence.
type Splitter struct {
	buf []byte
}

// Feed appends chunk to the pending buffer and returns every complete, non-blank record, without
// its line terminator. The returned slices do not alias the splitter's buffer.
func (s *Splitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var records [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if rec := trimRecord(s.buf[:i]); len(rec) > 0 {
			records = append(records, bytes.Clone(rec))
		}
		s.buf = s.buf[i+1:]
	}

	// Reclaim the consumed prefix instead of letting it pin the backing array.
	if len(s.buf) == 0 {
		s.buf = nil
	} else if cap(s.buf) > 2*len(s.buf) && cap(s.buf) > 4096 {
		s.buf = bytes.Clone(s.buf)
	}
	return records
}

// Flush returns the unterminated remainder, if it isn't blank, and resets the splitter.
func (s *Splitter) Flush() []byte {
	rec := trimRecord(s.buf)
	s.buf = nil
	if len(rec) == 0 {
		return nil
	}
	return bytes.Clone(rec)
}

// Pending reports how many bytes are buffered waiting for a newline.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

func trimRecord(b []byte) []byte {
	return bytes.TrimSpace(b)
}
