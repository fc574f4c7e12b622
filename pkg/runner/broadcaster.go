package runner

import (
	"sync"
	"time"

	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/pkg/agent"
	"github.com/rs/zerolog"
)

// DefaultSubscriberBuffer is the per-subscriber event queue length.
const DefaultSubscriberBuffer = 256

// broadcaster fans the events of one run out to its subscribers. Publish never
// blocks: a subscriber whose queue is full misses non-terminal events, and the
// terminal event displaces its oldest queued event.
type broadcaster struct {
	mu        sync.Mutex
	sessionID string
	subs      map[uint64]*Subscription
	nextID    uint64
	seq       uint64
	terminal  *agent.Event
	buffer    int
	logger    zerolog.Logger
}

func newBroadcaster(sessionID string, buffer int, logger zerolog.Logger) *broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &broadcaster{
		sessionID: sessionID,
		subs:      make(map[uint64]*Subscription),
		buffer:    buffer,
		logger:    logger,
	}
}

// Publish implements agent.Sink. A terminal event closes every subscription;
// later events are dropped.
func (b *broadcaster) Publish(ev agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal != nil {
		b.logger.Debug().Str("event", string(ev.Type)).Msg("Dropping event published after terminal event")
		return
	}

	b.seq++
	ev.Seq = b.seq
	ev.SessionID = b.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if !ev.Type.Terminal() {
		for _, sub := range b.subs {
			select {
			case sub.ch <- ev:
			default:
				sub.dropped++
			}
		}
		return
	}

	b.terminal = &ev
	for id, sub := range b.subs {
		deliverTerminal(sub, ev)
		if sub.dropped > 0 {
			b.logger.Warn().
				Uint64("subscriber", id).
				Int("dropped", sub.dropped).
				Msg("Slow subscriber missed events")
		}
		delete(b.subs, id)
	}
}

// subscribe attaches a new subscriber. After the terminal event it returns a
// closed subscription holding only that event.
func (b *broadcaster) subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal != nil {
		return finishedSubscription(*b.terminal)
	}

	b.nextID++
	sub := &Subscription{
		ch: make(chan agent.Event, b.buffer),
		b:  b,
		id: b.nextID,
	}
	b.subs[sub.id] = sub
	observability.AddSubscribers(1)
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	observability.AddSubscribers(-1)
}

func (b *broadcaster) terminalEvent() (agent.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal == nil {
		return agent.Event{}, false
	}
	return *b.terminal, true
}

func (b *broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// deliverTerminal is called with the broadcaster lock held, so the slot freed
// by the receive below cannot be taken by another sender.
func deliverTerminal(sub *Subscription, ev agent.Event) {
	select {
	case sub.ch <- ev:
	default:
		select {
		case <-sub.ch:
			sub.dropped++
		default:
		}
		sub.ch <- ev
	}
	close(sub.ch)
	observability.AddSubscribers(-1)
}

// Subscription is one listener on a session's events. Events arrive on C in
// emission order; C is closed after the terminal event or Close.
type Subscription struct {
	ch      chan agent.Event
	b       *broadcaster
	id      uint64
	dropped int
}

func finishedSubscription(ev agent.Event) *Subscription {
	ch := make(chan agent.Event, 1)
	ch <- ev
	close(ch)
	return &Subscription{ch: ch}
}

// C returns the event channel.
func (s *Subscription) C() <-chan agent.Event {
	return s.ch
}

// Close detaches the subscription. It is safe to call more than once and
// after the channel has been closed by the run finishing.
func (s *Subscription) Close() {
	if s.b != nil {
		s.b.unsubscribe(s)
	}
}
