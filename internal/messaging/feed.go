package messaging

import (
	"context"
	"sync"
)

const feedBuffer = 256

// Feed fans values out to any number of Stream subscribers. Publish never
// blocks; a subscriber whose buffer is full misses the value.
type Feed[T any] struct {
	mu   sync.RWMutex
	subs map[*feedStream[T]]struct{}
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*feedStream[T]]struct{})}
}

func (f *Feed[T]) Subscribe() Stream[T] {
	s := &feedStream[T]{
		feed: f,
		ch:   make(chan T, feedBuffer),
		done: make(chan struct{}),
	}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

// Publish delivers v to every subscriber and returns how many were skipped.
func (f *Feed[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dropped := 0
	for s := range f.subs {
		select {
		case s.ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Fail terminates every subscriber; their next Next returns err.
func (f *Feed[T]) Fail(err error) {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[*feedStream[T]]struct{})
	f.mu.Unlock()

	for s := range subs {
		s.closeWith(err)
	}
}

func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed[T]) remove(s *feedStream[T]) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

type feedStream[T any] struct {
	feed *Feed[T]
	ch   chan T
	done chan struct{}
	once sync.Once
	err  error
}

func (s *feedStream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	// Buffered values are delivered before a close is reported.
	select {
	case v := <-s.ch:
		return v, nil
	default:
	}
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.done:
		return zero, s.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *feedStream[T]) Close() error {
	s.feed.remove(s)
	s.closeWith(ErrStreamClosed)
	return nil
}

func (s *feedStream[T]) closeWith(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
