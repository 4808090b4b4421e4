package events

import (
	"sync"
	"time"
)

// Topic enumerates bus channels shared across tunneld subsystems.
type Topic string

const (
	TopicConfigReloaded    Topic = "config_reloaded"
	TopicGenerationApplied Topic = "generation_applied"
	TopicUnitStateChanged  Topic = "unit_state_changed"
	TopicCertIssued        Topic = "cert_issued"
	TopicCertRenewalFailed Topic = "cert_renewal_failed"
	TopicAudit             Topic = "audit"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// ConfigReloaded announces that a config document was re-read from disk.
type ConfigReloaded struct {
	Path       string
	ConfigHash string
	Servers    int
	Clients    int
}

// GenerationApplied announces that a new unit generation is live.
type GenerationApplied struct {
	Generation int64
	ConfigHash string
	Units      []string
	Stale      []string
	AppliedAt  time.Time
}

// UnitStateChanged reports an observed change of one managed unit.
type UnitStateChanged struct {
	Unit        string
	ActiveState string
	SubState    string
}

// CertIssued announces a successful certificate issuance or renewal.
type CertIssued struct {
	Host    string
	Renewal bool
}

// CertRenewalFailed reports a failed renewal attempt; the certificate
// stays in place until it expires or a later attempt succeeds.
type CertRenewalFailed struct {
	Host  string
	Error string
}

// AuditEvent captures operator-visible control-plane actions.
type AuditEvent struct {
	Kind     string
	Time     time.Time
	Source   string
	Metadata map[string]any
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is saturated; listeners should size buffers appropriately.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
