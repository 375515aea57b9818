// Package toast is the in-app fallback surface: short-lived messages kept in
// a bounded per-user buffer and fanned out to connected UI sockets.
package toast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer bounds the recent messages kept per user.
const DefaultBuffer = 50

// Level is the visual severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Toast is one ephemeral message.
type Toast struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Level      Level     `json:"level"`
	Kind       string    `json:"kind,omitempty"`
	TargetView string    `json:"target_view,omitempty"`
	At         time.Time `json:"at"`
}

type subscriber struct {
	ch chan Toast
}

// Hub keeps recent toasts per user and fans new ones out to subscribers.
// Slow subscribers drop messages rather than block the sender.
type Hub struct {
	mu     sync.RWMutex
	buffer int
	recent map[string][]Toast
	subs   map[string]map[*subscriber]struct{}
	logger *zap.Logger
}

// NewHub creates a hub keeping up to buffer recent toasts per user
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		recent: make(map[string][]Toast),
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Push records t for userID and delivers it to every live subscriber.
func (h *Hub) Push(userID string, t Toast) Toast {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if t.Level == "" {
		t.Level = LevelInfo
	}

	h.mu.Lock()
	list := append(h.recent[userID], t)
	if len(list) > h.buffer {
		list = append([]Toast(nil), list[len(list)-h.buffer:]...)
	}
	h.recent[userID] = list

	dropped := 0
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- t:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.logger.Debug("Toast dropped for slow subscribers",
			zap.String("user_id", userID),
			zap.Int("dropped", dropped),
		)
	}
	return t
}

// Subscribe returns a channel of new toasts for userID and a cancel func
// that must be called when the consumer goes away.
func (h *Hub) Subscribe(userID string) (<-chan Toast, func()) {
	sub := &subscriber{ch: make(chan Toast, 16)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Recent returns the buffered toasts for userID, oldest first.
func (h *Hub) Recent(userID string) []Toast {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Toast(nil), h.recent[userID]...)
}

// Subscribers returns the number of live subscribers for userID
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
