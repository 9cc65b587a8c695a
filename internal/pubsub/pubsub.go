package pubsub

import (
	"errors"
	"sync"
)

type Event interface {
}

type Publisher[E Event] interface {
	PublishEvent(*E) error
	AddSubscriber(Subscriber[E])
}

type Subscriber[E Event] interface {
	ConsumeEvent(*E) error
}

// SubscriberFunc adapts a plain function to a Subscriber.
type SubscriberFunc[E Event] func(*E) error

func (f SubscriberFunc[E]) ConsumeEvent(e *E) error {
	return f(e)
}

// SimplePublisher loops through each subscriber and calls ConsumeEvent on it, in the order the
// subscribers were added. Every subscriber sees every event, even if an earlier one failed; the
// errors are joined.
type SimplePublisher[E Event] struct {
	mu          sync.RWMutex
	subscribers []Subscriber[E]
}

func NewSimplePublisher[E Event]() *SimplePublisher[E] {
	return &SimplePublisher[E]{
		subscribers: make([]Subscriber[E], 0),
	}
}

func (p *SimplePublisher[E]) PublishEvent(e *E) error {
	p.mu.RLock()
	subscribers := p.subscribers
	p.mu.RUnlock()

	var errs []error
	for _, s := range subscribers {
		err := s.ConsumeEvent(e)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *SimplePublisher[E]) AddSubscriber(s Subscriber[E]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
}
