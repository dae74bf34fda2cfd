package registry

import "sync"

// CountBroker fans the number of recording sessions out to subscribers.
// Each subscriber sees the latest value; intermediate values may be skipped
// when it falls behind.
type CountBroker struct {
	mu   sync.Mutex
	subs map[chan int]struct{}
	last int
}

func NewCountBroker() *CountBroker {
	return &CountBroker{subs: make(map[chan int]struct{})}
}

// Subscribe returns a channel receiving counts and a cancel function that
// closes it.
func (b *CountBroker) Subscribe() (<-chan int, func()) {
	ch := make(chan int, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	ch <- b.last
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers n to every subscriber without blocking.
func (b *CountBroker) Publish(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n == b.last {
		return
	}
	b.last = n
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}

// Last returns the most recently published count.
func (b *CountBroker) Last() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
