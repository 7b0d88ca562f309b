package pubsub

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventType is the type of event subscribers are listening for.
type EventType int

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the broker blocks until the subscriber's channel accepts the event. A slow blocking subscriber stalls
	// delivery for everybody, so this should generally be false.
	IsBlocking bool
}

// SubscriberID identifies a single subscription. It is required to unsubscribe.
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Event[string] and Event[int] are distinct types.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{
		Type:    eventType,
		Payload: payload,
	}
}

// subscriber is the type-erased view of a typed subscription. The typed channel lives in the closures, which lets the
// registry hold subscribers of every payload type in one map.
type subscriber struct {
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()

	options    SubscriptionOptions
	numDropped atomic.Uint64
}

type envelope struct {
	eventType EventType
	payload   any
}

// PubSubClient is a small in-process event bus. Publishing never waits for subscribers unless they asked for
// blocking delivery.
type PubSubClient struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// Buffered so Publish returns while run() is still fanning out a previous event. Also lets GracefulShutdown
	// drain in-flight events.
	publishChan chan envelope

	shuttingDown atomic.Bool
	logger       *slog.Logger
}

// Subscribe registers ch for eventType. The caller owns the channel and picks its buffer size; the broker closes it
// on Unsubscribe or shutdown.
//
// Go methods cannot declare type parameters, hence a free function taking the client.
func Subscribe[T any](p *PubSubClient, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))

	sub := &subscriber{
		options: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typedPayload, ok := payload.(T)
			if !ok {
				p.logger.Warn("pubsub payload type mismatch",
					"event_type", evType, "want", fmt.Sprintf("%T", *new(T)), "got", fmt.Sprintf("%T", payload))
				return false
			}

			event := &Event[T]{Type: evType, Payload: typedPayload}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() {
			close(ch)
		},
	}

	if _, ok := p.registry[eventType]; !ok {
		p.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	p.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *PubSubClient) Unsubscribe(eventType EventType, id SubscriberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subscribers, ok := p.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(p.registry, eventType)
	}
	p.logger.Debug("pubsub unsubscribed", "event_type", eventType, "subscriber", id)
}

// Publish queues an event for delivery. Events published after shutdown began are dropped.
func Publish[T any](p *PubSubClient, event *Event[T]) {
	// Holding the read lock keeps GracefulShutdown from closing publishChan between the check and the send.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown.Load() {
		p.logger.Debug("pubsub dropping event, shutting down", "event_type", event.Type)
		return
	}

	p.publishChan <- envelope{eventType: event.Type, payload: event.Payload}
}

// GracefulShutdown stops accepting events, delivers the buffered ones, closes every subscriber channel and waits for
// the broker goroutine to exit. It is safe to call more than once.
func (p *PubSubClient) GracefulShutdown() {
	p.mu.Lock()
	if p.shuttingDown.Load() {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}

	p.shuttingDown.Store(true)
	close(p.publishChan)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	for eventType, subscribers := range p.registry {
		for _, sub := range subscribers {
			sub.closeFunc()
		}
		delete(p.registry, eventType)
	}
	p.mu.Unlock()

	p.logger.Debug("pubsub drained and terminated")
}

// Dropped returns the number of events dropped for a non-blocking subscriber because its channel was full.
func (p *PubSubClient) Dropped(eventType EventType, id SubscriberID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sub, ok := p.registry[eventType][id]; ok {
		return sub.numDropped.Load()
	}
	return 0
}

func (p *PubSubClient) run() {
	defer p.wg.Done()

	for msg := range p.publishChan {
		p.mu.RLock()
		for id, sub := range p.registry[msg.eventType] {
			if sent := sub.sendFunc(msg.eventType, msg.payload); !sent && !sub.options.IsBlocking {
				dropped := sub.numDropped.Add(1)
				p.logger.Warn("pubsub dropped event for slow subscriber",
					"event_type", msg.eventType, "subscriber", id, "dropped_total", dropped)
			}
		}
		p.mu.RUnlock()
	}
}

// NewPubSub starts the broker goroutine. A nil logger falls back to slog.Default().
func NewPubSub(logger *slog.Logger) *PubSubClient {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PubSubClient{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan envelope, 100),
		logger:      logger.With("component", "pubsub"),
	}

	p.wg.Add(1)
	go p.run()

	return p
}
