package svc

import (
	"sync"

	"whisperwall/pkg/domain"
	"whisperwall/svc/util"
)

type EventType string

const (
	EventWhisperPosted  EventType = "whisper_posted"
	EventWhisperDeleted EventType = "whisper_deleted"
	EventWhisperVoted   EventType = "whisper_voted"
	EventAccessGranted  EventType = "decrypt_access_granted"
	EventAccessRevoked  EventType = "decrypt_access_revoked"
)

// Event is the board's notification record. Voted events carry the new vote
// state; access events carry the grantee in Subject.
type Event struct {
	Type      EventType          `json:"type"`
	WhisperID uint64             `json:"whisper_id"`
	Actor     domain.Address     `json:"actor,omitempty"`
	Subject   domain.Address     `json:"subject,omitempty"`
	Whisper   domain.WhisperType `json:"whisper_type,omitempty"`
	Mode      domain.ContentMode `json:"content_mode,omitempty"`
	Vote      domain.VoteType    `json:"vote,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks a ledger
// operation: a subscriber that falls behind has events dropped, not queued
// without bound.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel or bus shutdown.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			util.Warn().
				Str("event", string(e.Type)).
				Uint64("whisper_id", e.WhisperID).
				Msg("event subscriber full, dropping event")
		}
	}
}

// LogEvents drains a subscription and writes each notification to the log,
// addresses redacted. It returns when the subscription channel closes.
func LogEvents(events <-chan Event) {
	for e := range events {
		ev := util.Info().
			Str("event", string(e.Type)).
			Uint64("whisper_id", e.WhisperID)
		if !e.Actor.IsZero() {
			ev = ev.Str("actor", util.RedactAddress(e.Actor.String()))
		}
		if !e.Subject.IsZero() {
			ev = ev.Str("subject", util.RedactAddress(e.Subject.String()))
		}
		if e.Type == EventWhisperVoted {
			ev = ev.Str("vote", e.Vote.String())
		}
		ev.Msg("board event")
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
