package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/aixgo-dev/steward/internal/observability"
)

var (
	// ErrBusClosed is returned by Publish after Close.
	ErrBusClosed = errors.New("event bus closed")

	// ErrNoReply is returned by Request when the context ends before a reply.
	ErrNoReply = errors.New("no reply received")
)

// Handler processes one event. A returned error is logged and, when
// redelivery is enabled, the event is handed to the handler again.
type Handler func(ctx context.Context, e Event) error

// Config holds bus options.
type Config struct {
	// HistorySize bounds the retained event history (default 1000).
	HistorySize int
	// Redeliveries is how many extra attempts a failing handler gets.
	Redeliveries int
	Logger       *zap.Logger
}

// Option configures a Bus.
type Option func(*Config)

// WithHistorySize sets the number of events kept for History.
func WithHistorySize(n int) Option {
	return func(c *Config) { c.HistorySize = n }
}

// WithRedeliveries retries failed handler invocations n more times.
func WithRedeliveries(n int) Option {
	return func(c *Config) { c.Redeliveries = n }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Bus is a typed publish/subscribe channel. Each subscriber owns a FIFO
// mailbox drained by a dedicated goroutine, so events from one publisher
// reach every subscriber in publish order and a slow or failing handler
// never blocks the publisher or other subscribers.
type Bus struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.RWMutex
	subs    map[Kind]map[uint64]*subscriber
	nextID  atomic.Uint64
	history *history
	closed  bool
	wg      sync.WaitGroup
}

// New creates a running bus.
func New(opts ...Option) *Bus {
	cfg := Config{HistorySize: 1000}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		cfg:     cfg,
		logger:  cfg.Logger.Named("eventbus"),
		subs:    make(map[Kind]map[uint64]*subscriber),
		history: newHistory(cfg.HistorySize),
	}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() Kind { return s.sub.kind }

// Unsubscribe stops delivery. Events already queued are dropped.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.sub)
}

// Subscribe registers handler for events of kind (or All).
func (b *Bus) Subscribe(kind Kind, handler Handler) *Subscription {
	sub := &subscriber{
		id:      b.nextID.Add(1),
		kind:    kind,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.done)
		return &Subscription{bus: b, sub: sub}
	}
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]*subscriber)
	}
	b.subs[kind][sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.drain(sub)
	return &Subscription{bus: b, sub: sub}
}

// SubscribeFunc registers a handler that receives the decoded payload.
// Events whose payload does not decode as T are logged and skipped.
func SubscribeFunc[T any](b *Bus, kind Kind, fn func(ctx context.Context, e Event, payload T) error) *Subscription {
	return b.Subscribe(kind, func(ctx context.Context, e Event) error {
		payload, err := Decode[T](e)
		if err != nil {
			b.logger.Warn("dropping undecodable event", zap.String("kind", string(e.Kind)), zap.Error(err))
			return nil
		}
		return fn(ctx, e, payload)
	})
}

// Watch returns a channel receiving events of kind. The channel is buffered
// with size buf; when it is full the watcher's mailbox holds the backlog.
func (b *Bus) Watch(ctx context.Context, kind Kind, buf int) (<-chan Event, *Subscription) {
	ch := make(chan Event, buf)
	sub := b.Subscribe(kind, func(hctx context.Context, e Event) error {
		select {
		case ch <- e:
			return nil
		case <-ctx.Done():
			return nil
		case <-hctx.Done():
			return nil
		}
	})
	return ch, sub
}

// Publish enqueues e for every matching subscriber and returns immediately.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == "" || e.Timestamp.IsZero() {
		fresh := NewEvent(e.Kind, e.Source, e.Data)
		if e.ID == "" {
			e.ID = fresh.ID
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = fresh.Timestamp
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	b.history.add(e)
	for _, sub := range b.subs[e.Kind] {
		sub.enqueue(e)
	}
	if e.Kind != All {
		for _, sub := range b.subs[All] {
			sub.enqueue(e)
		}
	}
	return nil
}

// Request publishes e and waits for the first event of replyKind carrying
// e's correlation ID.
func (b *Bus) Request(ctx context.Context, e Event, replyKind ...Kind) (Event, error) {
	if e.ID == "" {
		e.ID = NewEvent(e.Kind, e.Source, nil).ID
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}

	reply := make(chan Event, 1)
	var subs []*Subscription
	for _, kind := range replyKind {
		subs = append(subs, b.Subscribe(kind, func(_ context.Context, r Event) error {
			if r.CorrelationID != e.CorrelationID {
				return nil
			}
			select {
			case reply <- r:
			default:
			}
			return nil
		}))
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	if err := b.Publish(ctx, e); err != nil {
		return Event{}, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return Event{}, fmt.Errorf("%w: %s: %w", ErrNoReply, e.Kind, ctx.Err())
	}
}

// History returns retained events matching f, oldest first.
func (b *Bus) History(f Filter) []Event {
	return b.history.query(f)
}

// SubscriberCount returns the number of subscribers for kind.
func (b *Bus) SubscriberCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Close stops all subscribers after their mailboxes drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, m := range b.subs {
		for _, sub := range m {
			all = append(all, sub)
		}
	}
	b.subs = make(map[Kind]map[uint64]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.finish(true)
	}
	b.wg.Wait()
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	if m := b.subs[sub.kind]; m != nil {
		if _, ok := m[sub.id]; ok {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(b.subs, sub.kind)
			}
		}
	}
	b.mu.Unlock()
	sub.finish(false)
}

func (b *Bus) drain(sub *subscriber) {
	defer b.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sub.done
		if !sub.draining() {
			cancel()
		}
	}()

	for {
		e, ok := sub.next()
		if !ok {
			return
		}
		b.deliver(ctx, sub, e)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscriber, e Event) {
	for attempt := 0; attempt <= b.cfg.Redeliveries; attempt++ {
		err := safeCall(ctx, sub.handler, e)
		if err == nil {
			return
		}
		observability.RecordHandlerFailure(string(e.Kind))
		b.logger.Warn("event handler failed",
			zap.String("kind", string(e.Kind)),
			zap.String("event_id", e.ID),
			zap.Uint64("subscriber", sub.id),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if ctx.Err() != nil {
			return
		}
	}
}

func safeCall(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
