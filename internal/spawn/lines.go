package spawn

import (
	"bufio"
	"io"
	"sync/atomic"
)

// Stream names the output a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LineEvent is one line of process output, or the terminal event.
type LineEvent struct {
	Stream Stream
	Text   string
	// Closed marks the last event. Dropped counts lines discarded because
	// the consumer fell behind.
	Closed  bool
	Dropped int64
}

const maxLineBytes = 64 * 1024

type lineStream struct {
	events  chan LineEvent
	dropped atomic.Int64
}

func newLineStream(capacity int) *lineStream {
	return &lineStream{events: make(chan LineEvent, capacity)}
}

func (s *lineStream) emit(ev LineEvent) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *lineStream) pump(stream Stream, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		s.emit(LineEvent{Stream: stream, Text: scanner.Text()})
	}
	// drain whatever is left after an over-long line so the writer never blocks
	_, _ = io.Copy(io.Discard, r)
}

// close delivers the terminal event. It blocks until the consumer takes it.
func (s *lineStream) close() {
	s.events <- LineEvent{Closed: true, Dropped: s.dropped.Load()}
	close(s.events)
}
