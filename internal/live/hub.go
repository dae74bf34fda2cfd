// Package live fans captured records out to interactive viewers.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/google/uuid"
)

// KeepAlive is how long a subscriber waits for a record before pinging.
const KeepAlive = 10 * time.Second

// Subscriber is one viewer's queue. The queue is unbounded: a stalled
// viewer grows it until its next flush fails and it is removed.
type Subscriber struct {
	ID string

	mu     sync.Mutex
	queue  []frame.Record
	notify chan struct{}
}

func (s *Subscriber) push(rec frame.Record) {
	s.mu.Lock()
	s.queue = append(s.queue, rec)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) pop() (frame.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return frame.Record{}, false
	}
	rec := s.queue[0]
	s.queue[0] = frame.Record{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return rec, true
}

// Pending returns the number of queued records.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next returns the next record, waiting up to wait. ok is false on timeout.
// The error is non-nil only when ctx is done.
func (s *Subscriber) Next(ctx context.Context, wait time.Duration) (rec frame.Record, ok bool, err error) {
	if rec, ok := s.pop(); ok {
		return rec, true, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-s.notify:
			if rec, ok := s.pop(); ok {
				return rec, true, nil
			}
		case <-timer.C:
			return frame.Record{}, false, nil
		case <-ctx.Done():
			return frame.Record{}, false, ctx.Err()
		}
	}
}

// Hub holds the live subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		ID:     uuid.NewString(),
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	slog.Debug("Live viewer subscribed", slog.String("id", s.ID))
	return s
}

// Unsubscribe removes s. Queued records are discarded.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s.ID)
	h.mu.Unlock()
	slog.Debug("Live viewer left", slog.String("id", s.ID), slog.Int("pending", s.Pending()))
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues rec for every subscriber. The record is copied, so the
// caller keeps ownership of its buffers.
func (h *Hub) Publish(rec frame.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.subs) == 0 {
		return
	}
	owned := rec.Clone()
	for _, s := range h.subs {
		s.push(owned)
	}
}

// Sink is the transport side of a live stream.
type Sink interface {
	Send(rec frame.Record) error
	Ping() error
	Flush() error
}

// Stream pumps records into sink until ctx is done or a flush fails.
func (h *Hub) Stream(ctx context.Context, sink Sink, wait time.Duration) error {
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	for {
		rec, ok, err := sub.Next(ctx, wait)
		if err != nil {
			return err
		}
		if ok {
			err = sink.Send(rec)
		} else {
			err = sink.Ping()
		}
		if err != nil {
			return err
		}
		if err := sink.Flush(); err != nil {
			return err
		}
	}
}
