package memory

import "sync"

// subscriber delivers values to fn on its own goroutine, in push order,
// without ever blocking the writer.
type subscriber[T any] struct {
	fn func(T)

	mu    sync.Mutex
	queue []T

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscriber[T any](fn func(T)) *subscriber[T] {
	s := &subscriber[T]{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber[T]) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, v := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(v)
			}
		}
	}
}
