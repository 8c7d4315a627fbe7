// Package notifications delivers loop events to listeners and the desktop
package notifications

import (
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/mrcode/nightscout-aps/internal/logging"
)

// Kind identifies a loop event
type Kind string

const (
	// KindResetGui: a cycle aborted before producing a result
	KindResetGui Kind = "reset_gui"
	// KindUpdateGui: a cycle finished and the last result may have changed
	KindUpdateGui Kind = "update_gui"
	// KindHardLimit: a value hit an absolute safety limit
	KindHardLimit Kind = "hard_limit"
)

const appTitle = "Nightscout APS"

// Sink accepts loop events. Publishing never fails from the caller's view.
type Sink interface {
	Publish(kind Kind, message string)
}

// Event is one published notification
type Event struct {
	Kind    Kind
	Message string
	Time    time.Time
}

// Manager fans events out to listeners and raises desktop notifications for
// the alerting kinds, suppressing repeats of the same message
type Manager struct {
	repeat        time.Duration
	desktop       bool
	notify        func(title, message string) error
	now           func() time.Time
	logger        *zap.Logger
	lastAlertTime map[string]time.Time
	listeners     []func(Event)
	mu            sync.Mutex
}

// NewManager creates a manager. A zero repeat interval alerts only once per
// distinct message.
func NewManager(logger *zap.Logger, desktop bool, repeat time.Duration) *Manager {
	return &Manager{
		repeat:        repeat,
		desktop:       desktop,
		notify:        sendNotification,
		now:           time.Now,
		logger:        logging.OrNop(logger),
		lastAlertTime: make(map[string]time.Time),
	}
}

// Subscribe registers a listener called for every event
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Publish implements Sink
func (m *Manager) Publish(kind Kind, message string) {
	m.mu.Lock()
	event := Event{Kind: kind, Message: message, Time: m.now()}
	listeners := make([]func(Event), len(m.listeners))
	copy(listeners, m.listeners)
	alert := m.desktop && m.shouldAlert(event)
	m.mu.Unlock()

	m.logger.Debug("loop event", zap.String("kind", string(kind)), zap.String("message", message))
	for _, fn := range listeners {
		fn(event)
	}

	if alert {
		if err := m.notify(formatTitle(kind), message); err != nil {
			m.logger.Warn("desktop notification failed", zap.Error(err))
		}
	}
}

// shouldAlert decides whether the event raises a desktop notification.
// The caller must hold m.mu.
func (m *Manager) shouldAlert(e Event) bool {
	if e.Kind == KindUpdateGui {
		return false
	}

	key := string(e.Kind) + "|" + e.Message
	if lastTime, ok := m.lastAlertTime[key]; ok {
		if m.repeat <= 0 || e.Time.Sub(lastTime) < m.repeat {
			return false
		}
	}
	m.lastAlertTime[key] = e.Time
	return true
}

func formatTitle(kind Kind) string {
	switch kind {
	case KindHardLimit:
		return "⚠️ " + appTitle + ": hard limit"
	case KindResetGui:
		return appTitle + ": loop paused"
	default:
		return appTitle
	}
}

// ClearAlertState forgets suppression state for a kind, or all kinds when empty
func (m *Manager) ClearAlertState(kind Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == "" {
		m.lastAlertTime = make(map[string]time.Time)
		return
	}
	prefix := string(kind) + "|"
	for key := range m.lastAlertTime {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(m.lastAlertTime, key)
		}
	}
}

// sendNotification sends a system notification
func sendNotification(title, message string) error {
	// Use beeep for cross-platform notifications
	return beeep.Notify(title, message, "")
}

// SendTestNotification sends a test notification
func (m *Manager) SendTestNotification() error {
	return m.notify(appTitle, "Test notification - alerts are working!")
}

// Recorder is a Sink that keeps events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink
func (r *Recorder) Publish(kind Kind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: kind, Message: message, Time: time.Now()})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Messages returns the recorded messages of one kind
func (r *Recorder) Messages(kind Kind) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Message)
		}
	}
	return out
}
