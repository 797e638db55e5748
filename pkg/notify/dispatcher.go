package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DefaultMaxPerUser bounds the list kept for a single user; the oldest
// entries are dropped first.
const DefaultMaxPerUser = 100

var ErrUnknownNotification = errors.New("notification not found")

type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// Forwarder receives every notification after it has been recorded.
// Forward must not block the caller.
type Forwarder interface {
	Forward(n Notification)
}

// Dispatcher keeps per-user notification lists in memory.
type Dispatcher struct {
	mu         sync.Mutex
	byUser     map[string][]*Notification
	byID       map[string]*Notification
	maxPerUser int
	forwarder  Forwarder
	now        func() time.Time
}

type Option func(*Dispatcher)

func WithForwarder(f Forwarder) Option {
	return func(d *Dispatcher) { d.forwarder = f }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithMaxPerUser(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxPerUser = n
		}
	}
}

func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		byUser:     make(map[string][]*Notification),
		byID:       make(map[string]*Notification),
		maxPerUser: DefaultMaxPerUser,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify records a notification for userID and returns a copy of it.
func (d *Dispatcher) Notify(userID, title, message string, severity Severity) Notification {
	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Message:   message,
		Severity:  severity,
		CreatedAt: d.now(),
	}

	d.mu.Lock()
	list := append(d.byUser[userID], n)
	if len(list) > d.maxPerUser {
		for _, dropped := range list[:len(list)-d.maxPerUser] {
			delete(d.byID, dropped.ID)
		}
		list = append([]*Notification(nil), list[len(list)-d.maxPerUser:]...)
	}
	d.byUser[userID] = list
	d.byID[n.ID] = n
	out := *n
	d.mu.Unlock()

	if d.forwarder != nil {
		d.forwarder.Forward(out)
	}
	return out
}

// MarkRead flips the read flag of the notification with the given id.
func (d *Dispatcher) MarkRead(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.byID[id]
	if !ok {
		return ErrUnknownNotification
	}
	n.Read = true
	return nil
}

// List returns the user's notifications, newest first.
func (d *Dispatcher) List(userID string) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.byUser[userID]
	out := make([]Notification, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, *list[i])
	}
	return out
}

func (d *Dispatcher) Unread(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	count := 0
	for _, n := range d.byUser[userID] {
		if !n.Read {
			count++
		}
	}
	return count
}

// Owner returns the user a notification belongs to.
func (d *Dispatcher) Owner(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, ok := d.byID[id]
	if !ok {
		return "", false
	}
	return n.UserID, true
}
