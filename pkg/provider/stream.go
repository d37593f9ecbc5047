package provider

import (
	"context"
	"io"
	"sync"
)

type streamItem struct {
	chunk string
	err   error
}

// chanStream is a ResponseStream fed by a producer goroutine.
type chanStream struct {
	items  <-chan streamItem
	cancel context.CancelFunc
	once   sync.Once
	done   bool
	err    error
	// final is written by the producer before items is closed.
	final error
}

// newChanStream starts produce in a goroutine. produce sends chunks through emit
// and returns the terminal error, nil meaning normal completion. emit reports
// false once the consumer closed the stream.
func newChanStream(ctx context.Context, produce func(ctx context.Context, emit func(string) bool) error) *chanStream {
	ctx, cancel := context.WithCancel(ctx)
	items := make(chan streamItem)
	s := &chanStream{items: items, cancel: cancel}

	go func() {
		defer close(items)
		emit := func(chunk string) bool {
			select {
			case items <- streamItem{chunk: chunk}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil {
			err = io.EOF
		}
		s.final = err
		select {
		case items <- streamItem{err: err}:
		case <-ctx.Done():
		}
	}()

	return s
}

func (s *chanStream) Next() (string, error) {
	if s.done {
		return "", s.err
	}
	item, ok := <-s.items
	if !ok {
		s.done, s.err = true, s.final
		if s.err == nil {
			s.err = io.EOF
		}
		return "", s.err
	}
	if item.err != nil {
		s.done, s.err = true, item.err
		return "", item.err
	}
	return item.chunk, nil
}

func (s *chanStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		for range s.items {
		}
	})
	return nil
}

// staticStream replays a fixed list of chunks.
type staticStream struct {
	chunks []string
	err    error
	pos    int
}

// NewStaticStream returns a stream yielding chunks then err (io.EOF when nil).
func NewStaticStream(err error, chunks ...string) ResponseStream {
	if err == nil {
		err = io.EOF
	}
	return &staticStream{chunks: chunks, err: err}
}

func (s *staticStream) Next() (string, error) {
	if s.pos < len(s.chunks) {
		s.pos++
		return s.chunks[s.pos-1], nil
	}
	return "", s.err
}

func (s *staticStream) Close() error {
	return nil
}
