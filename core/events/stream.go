package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"formicarium/core/types"
	"formicarium/observability"
)

const (
	defaultStreamHistory = 2048
	streamBuffer         = 64
)

// StreamEntry is a sequenced event as delivered to subscribers.
type StreamEntry struct {
	Sequence  uint64
	Cursor    string
	Timestamp int64
	Event     *types.Event
}

func cloneEntry(entry StreamEntry) StreamEntry {
	cloned := entry
	cloned.Event = entry.Event.Clone()
	return cloned
}

// Filter selects which events a subscriber receives. A nil filter accepts
// everything.
type Filter func(*types.Event) bool

// ForPrinter accepts events scoped to the supplied printer.
func ForPrinter(printer common.Address) Filter {
	want := formatAddress(printer)
	return func(evt *types.Event) bool {
		return evt != nil && strings.EqualFold(evt.Attributes[AttrPrinterID], want)
	}
}

// OfType accepts events whose type is one of the supplied values.
func OfType(eventTypes ...string) Filter {
	allowed := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		allowed[t] = struct{}{}
	}
	return func(evt *types.Event) bool {
		if evt == nil {
			return false
		}
		_, ok := allowed[evt.Type]
		return ok
	}
}

// All combines filters; every filter must accept the event.
func All(filters ...Filter) Filter {
	return func(evt *types.Event) bool {
		for _, f := range filters {
			if f != nil && !f(evt) {
				return false
			}
		}
		return true
	}
}

type streamSub struct {
	ch     chan StreamEntry
	filter Filter
}

func (s streamSub) accepts(evt *types.Event) bool {
	return s.filter == nil || s.filter(evt)
}

// Stream assigns a sequence number to every emitted event, keeps a bounded
// history and fans events out to subscribers. Live delivery never blocks the
// emitter: a subscriber whose buffer is full is dropped and its channel
// closed, so it can resubscribe from its last cursor without a gap.
type Stream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	limit   int
	history []StreamEntry
	subs    map[uint64]streamSub
	now     func() time.Time
}

// NewStream constructs a stream retaining up to limit entries. Non-positive
// limits fall back to the default history size.
func NewStream(limit int) *Stream {
	if limit <= 0 {
		limit = defaultStreamHistory
	}
	return &Stream{
		limit: limit,
		subs:  make(map[uint64]streamSub),
		now:   time.Now,
	}
}

// Emit implements the Emitter interface.
func (s *Stream) Emit(evt Event) {
	payload := Render(evt)
	if s == nil || payload == nil {
		return
	}

	s.mu.Lock()
	s.seq++
	entry := StreamEntry{
		Sequence:  s.seq,
		Cursor:    strconv.FormatUint(s.seq, 10),
		Timestamp: s.now().Unix(),
		Event:     payload.Clone(),
	}
	s.history = append(s.history, entry)
	if len(s.history) > s.limit {
		excess := len(s.history) - s.limit
		trimmed := make([]StreamEntry, s.limit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	// Fan-out stays under the lock so cancel never closes a channel mid-send.
	for id, sub := range s.subs {
		if !sub.accepts(entry.Event) {
			continue
		}
		select {
		case sub.ch <- cloneEntry(entry):
		default:
			delete(s.subs, id)
			close(sub.ch)
			observability.Events().RecordDropped(entry.Event.Type)
		}
	}
	s.mu.Unlock()
	observability.Events().RecordEmitted(payload.Type)
}

// Latest returns the sequence number of the most recent event.
func (s *Stream) Latest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Subscribe registers a subscriber for events after the supplied cursor. It
// returns the live channel, a cancel function and the retained backlog that
// matches the filter. The channel is closed when the subscriber is cancelled
// or falls a full buffer behind. The backlog and the registration are taken under the
// same lock so no event falls between them.
func (s *Stream) Subscribe(ctx context.Context, cursor string, filter Filter) (<-chan StreamEntry, func(), []StreamEntry, error) {
	if s == nil {
		return nil, nil, nil, fmt.Errorf("events: stream not initialised")
	}
	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("events: invalid cursor %q", cursor)
		}
		since = parsed
	}
	updates := make(chan StreamEntry, streamBuffer)
	sub := streamSub{ch: updates, filter: filter}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	backlog := make([]StreamEntry, 0)
	for _, entry := range s.history {
		if entry.Sequence > since && sub.accepts(entry.Event) {
			backlog = append(backlog, cloneEntry(entry))
		}
	}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if existing, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(existing.ch)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
