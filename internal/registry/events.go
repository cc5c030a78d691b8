package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// EventKind classifies registry events. The values match the journal kinds.
type EventKind = journal.Kind

// Event is published to subscribers on every session lifecycle change.
type Event struct {
	Kind      EventKind          `json:"kind"`
	Session   audio.SessionID    `json:"session_id"`
	Direction audio.Direction    `json:"direction"`
	Config    audio.StreamConfig `json:"config"`
	From      string             `json:"from,omitempty"`
	To        string             `json:"to,omitempty"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

// entry converts e into a journal entry.
func (e Event) entry() journal.Entry {
	return journal.Entry{
		SessionID:   e.Session,
		Direction:   e.Direction,
		DeviceID:    e.Config.DeviceID,
		Event:       e.Kind,
		From:        e.From,
		To:          e.To,
		Error:       e.Error,
		SampleRate:  e.Config.SampleRate,
		Channels:    e.Config.Channels,
		ChunkFrames: e.Config.ChunkFrames,
		At:          e.At,
	}
}

// hub fans events out to subscribers without blocking the publisher.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]chan Event)
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("registry: subscriber slow, event dropped", "subscriber", id, "kind", string(ev.Kind))
		}
	}
}
