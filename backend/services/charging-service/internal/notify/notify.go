// Package notify turns domain events into driver notifications on email, SMS and websocket push.
// Delivery is fire-and-forget: failures are logged and never reach the publisher.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/repository"
)

// ErrNoAddress means the channel has no address for the recipient and skipped it.
var ErrNoAddress = errors.New("notify: recipient has no address for channel")

// Notification is the outbound envelope.
type Notification struct {
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	Subject   string          `json:"subject"`
	Body      string          `json:"body"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// Contact holds a driver's addresses.
type Contact struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Phone string `yaml:"phone"`
}

// Directory resolves contacts.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Contact, bool)
}

// StaticDirectory is an in-memory contact book.
type StaticDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewStaticDirectory copies contacts.
func NewStaticDirectory(contacts map[string]Contact) *StaticDirectory {
	d := &StaticDirectory{contacts: make(map[string]Contact, len(contacts))}
	for id, c := range contacts {
		d.contacts[id] = c
	}
	return d
}

// Lookup implements Directory.
func (d *StaticDirectory) Lookup(_ context.Context, userID string) (Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[userID]
	return c, ok
}

// LoadStaticDirectory reads a YAML file mapping user IDs to contacts.
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notify: read contacts: %w", err)
	}
	var doc struct {
		Contacts map[string]Contact `yaml:"contacts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("notify: decode contacts: %w", err)
	}
	return NewStaticDirectory(doc.Contacts), nil
}

// Set adds or replaces a contact.
func (d *StaticDirectory) Set(userID string, c Contact) {
	d.mu.Lock()
	d.contacts[userID] = c
	d.mu.Unlock()
}

// Channel delivers one notification.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, contact Contact, n Notification) error
}

// Dispatcher renders events and fans them out to every channel.
type Dispatcher struct {
	templates *Templates
	directory Directory
	channels  []Channel
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher. directory may be nil.
func NewDispatcher(templates *Templates, directory Directory, timeout time.Duration, logger *zap.Logger, channels ...Channel) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		templates: templates,
		directory: directory,
		channels:  channels,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

// Register subscribes the dispatcher, best-effort, to every templated event.
func (d *Dispatcher) Register(bus *events.Bus) error {
	for _, name := range d.templates.Events() {
		err := bus.Subscribe(events.Subscription{
			Name:      "notify",
			Event:     name,
			Isolation: events.IndependentUnitOfWork,
			Delivery:  events.BestEffort,
			Handler: func(ctx context.Context, _ repository.Tx, evt events.Event) error {
				d.Notify(ctx, evt)
				return nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Notify renders evt and delivers it on every channel. It returns the number of successful
// deliveries.
func (d *Dispatcher) Notify(ctx context.Context, evt events.Event) int {
	n, err := d.build(evt)
	if err != nil {
		d.logger.Warn("failed to render notification", zap.String("event", evt.Name()), zap.Error(err))
		return 0
	}
	var contact Contact
	if d.directory != nil {
		contact, _ = d.directory.Lookup(ctx, n.UserID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	delivered := 0
	for _, ch := range d.channels {
		err := ch.Deliver(ctx, contact, n)
		switch {
		case errors.Is(err, ErrNoAddress):
			continue
		case err != nil:
			d.logger.Warn("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.String("event", n.EventType),
				zap.String("user_id", n.UserID),
				zap.Error(err),
			)
		default:
			delivered++
		}
	}
	d.logger.Debug("notification dispatched",
		zap.String("event", n.EventType),
		zap.String("user_id", n.UserID),
		zap.Int("delivered", delivered),
	)
	return delivered
}

func (d *Dispatcher) build(evt events.Event) (Notification, error) {
	subject, body, err := d.templates.Render(evt)
	if err != nil {
		return Notification{}, err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		EventType: evt.Name(),
		UserID:    evt.Recipient(),
		Subject:   subject,
		Body:      body,
		Payload:   payload,
		SentAt:    d.now().UTC(),
	}, nil
}
