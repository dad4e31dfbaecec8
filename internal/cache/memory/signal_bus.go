package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

const (
	subscriberBuffer = 128
	streamMaxLen     = 10000
)

// SignalBus is an in-process domain.SignalBus. Slow subscribers drop
// messages rather than block publishers, like Redis Pub/Sub.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	streams map[string]*stream
}

type subscription struct {
	pattern string
	ch      chan []byte
}

type stream struct {
	seq     int64
	entries []domain.StreamMessage
}

// NewSignalBus creates an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[int]*subscription),
		streams: make(map[string]*stream),
	}
}

// Publish delivers payload to every matching subscriber.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !matchChannel(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscription that lasts until ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &subscription{pattern: channel, ch: make(chan []byte, subscriberBuffer)}
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend appends payload to the named stream, keeping at most
// streamMaxLen entries.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[name]
	if !ok {
		st = &stream{}
		b.streams[name] = st
	}
	st.seq++
	st.entries = append(st.entries, domain.StreamMessage{
		ID:      strconv.FormatInt(st.seq, 10) + "-0",
		Payload: payload,
	})
	if len(st.entries) > streamMaxLen {
		st.entries = st.entries[len(st.entries)-streamMaxLen:]
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" for the start).
func (b *SignalBus) StreamRead(_ context.Context, name string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	after := streamSeq(lastID)

	var out []domain.StreamMessage
	for _, m := range st.entries {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) int64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

var _ domain.SignalBus = (*SignalBus)(nil)
