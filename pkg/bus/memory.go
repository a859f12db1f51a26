package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by unit tests and bus-less local
// runs. Stream semantics mirror the Redis consumer-group model closely
// enough for the consumer and promoter loops: per-group delivery cursor,
// pending-entry tracking, idle-based claim.
type MemoryBus struct {
	mu        sync.Mutex
	streams   map[string]*memStream
	hashes    map[string]map[string]string
	sets      map[string]map[string]struct{}
	zsets     map[string]map[string]float64
	published map[string][][]byte
	ttls      map[string]time.Duration
	closed    bool

	// now is swappable so tests can control pending-idle computation.
	now func() time.Time
}

type memStream struct {
	entries []StreamMessage
	nextSeq int64
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int
	pending map[string]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams:   make(map[string]*memStream),
		hashes:    make(map[string]map[string]string),
		sets:      make(map[string]map[string]struct{}),
		zsets:     make(map[string]map[string]float64),
		published: make(map[string][][]byte),
		ttls:      make(map[string]time.Duration),
		now:       time.Now,
	}
}

// SetNow overrides the clock used for pending-idle computation in tests.
func (b *MemoryBus) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Published returns the payloads published on a pub/sub channel, in order.
func (b *MemoryBus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[channel]))
	copy(out, b.published[channel])
	return out
}

// TTL returns the last TTL set on a key, or zero when none was set.
func (b *MemoryBus) TTL(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttls[key]
}

func (b *MemoryBus) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrUnavailable
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.published[channel] = append(b.published[channel], cp)
	return nil
}

func (b *MemoryBus) AddToStream(_ context.Context, stream string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	s.nextSeq++
	id := fmt.Sprintf("%d-%d", s.nextSeq, 0)
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	s.entries = append(s.entries, StreamMessage{ID: id, Values: cp})
	return id, nil
}

func (b *MemoryBus) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

func (b *MemoryBus) ReadGroup(_ context.Context, stream, group, consumer string, count int64, _ time.Duration) ([]StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("consumer group %q does not exist for stream %q", group, stream)
	}
	var out []StreamMessage
	for g.cursor < len(s.entries) && int64(len(out)) < count {
		msg := s.entries[g.cursor]
		g.cursor++
		g.pending[msg.ID] = &memPending{consumer: consumer, deliveredAt: b.now()}
		out = append(out, msg)
	}
	return out, nil
}

func (b *MemoryBus) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if g, ok := s.groups[group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

func (b *MemoryBus) Pending(_ context.Context, stream, group string, count int64) ([]PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var out []PendingEntry
	for _, msg := range s.entries {
		p, ok := g.pending[msg.ID]
		if !ok {
			continue
		}
		out = append(out, PendingEntry{ID: msg.ID, Consumer: p.consumer, Idle: b.now().Sub(p.deliveredAt)})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (b *MemoryBus) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []StreamMessage
	for _, msg := range s.entries {
		if _, ok := wanted[msg.ID]; !ok {
			continue
		}
		p, ok := g.pending[msg.ID]
		if !ok || b.now().Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = b.now()
		out = append(out, msg)
	}
	return out, nil
}

func (b *MemoryBus) HSet(_ context.Context, key string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hashes[key]
	if !ok {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (b *MemoryBus) HGetAll(_ context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (b *MemoryBus) HDel(_ context.Context, key string, fields ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hashes[key]; ok {
		for _, f := range fields {
			delete(h, f)
		}
		if len(h) == 0 {
			delete(b.hashes, key)
		}
	}
	return nil
}

func (b *MemoryBus) SAdd(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sets[key]
	if !ok {
		s = make(map[string]struct{})
		b.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
	return nil
}

func (b *MemoryBus) SRem(_ context.Context, key string, members ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sets[key]; ok {
		for _, m := range members {
			delete(s, m)
		}
		if len(s) == 0 {
			delete(b.sets, key)
		}
	}
	return nil
}

func (b *MemoryBus) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBus) ZAdd(_ context.Context, key string, score float64, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	z, ok := b.zsets[key]
	if !ok {
		z = make(map[string]float64)
		b.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (b *MemoryBus) ZRangeByScore(_ context.Context, key string, min, max float64) ([]ScoredMember, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ScoredMember
	for member, score := range b.zsets[key] {
		if score >= min && score <= max {
			out = append(out, ScoredMember{Member: member, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out, nil
}

func (b *MemoryBus) Expire(_ context.Context, key string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ttls[key] = ttl
	return nil
}

func (b *MemoryBus) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.hashes, key)
		delete(b.sets, key)
		delete(b.zsets, key)
		delete(b.ttls, key)
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBus) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

var _ Bus = (*MemoryBus)(nil)
var _ Bus = (*RedisBus)(nil)
