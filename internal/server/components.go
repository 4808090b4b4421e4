package server

import (
	"context"
	"log"
	"sync"
	"time"

	"tunneld/internal/certs"
	"tunneld/internal/events"
	"tunneld/internal/health"
	"tunneld/internal/runtime/supervisor"
)

const eventLogCapacity = 256

// eventLog keeps a bounded history of bus events for GET /events.
type eventLog struct {
	mu      sync.Mutex
	entries []eventLogEntry
	max     int
}

type eventLogEntry struct {
	Topic   string      `json:"topic"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

func newEventLog(max int) *eventLog {
	return &eventLog{max: max}
}

func (l *eventLog) add(topic events.Topic, payload interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, eventLogEntry{
		Topic:   string(topic),
		Time:    time.Now().UTC(),
		Payload: payload,
	})
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// List returns the retained events, newest first.
func (l *eventLog) List() []eventLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]eventLogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// newEventLogObserver registers a supervisor component that records
// every bus event into the log.
func newEventLogObserver(bus *events.Bus, logbook *eventLog) supervisor.Component {
	o := &eventLogObserver{bus: bus, log: logbook}
	return supervisor.NewComponent("event-log", o.start, o.stop)
}

type eventLogObserver struct {
	bus    *events.Bus
	log    *eventLog
	cancel context.CancelFunc
}

func (o *eventLogObserver) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	topics := []events.Topic{
		events.TopicConfigReloaded,
		events.TopicGenerationApplied,
		events.TopicUnitStateChanged,
		events.TopicCertIssued,
		events.TopicCertRenewalFailed,
		events.TopicAudit,
	}
	for _, topic := range topics {
		ch := o.bus.Subscribe(topic, 16)
		go func() {
			for {
				select {
				case evt, ok := <-ch:
					if !ok {
						return
					}
					o.log.add(evt.Topic, evt.Payload)
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	return nil
}

func (o *eventLogObserver) stop(ctx context.Context) error {
	if o.cancel != nil {
		o.cancel()
	}
	return nil
}

// pollUnits queries systemd for the state of every managed unit,
// publishes changes, and reflects the aggregate in the health tracker.
func (s *Server) pollUnits(ctx context.Context) {
	names := s.currentUnitNames()
	if len(names) == 0 {
		s.tracker.Setf(health.ComponentSystemd, health.LevelOK, "no managed units")
		return
	}

	states, err := s.cfg.Units.Units(ctx, names)
	if err != nil {
		s.tracker.Setf(health.ComponentSystemd, health.LevelError, "unit query failed: %v", err)
		return
	}

	var changed []events.UnitStateChanged
	active, failed := 0, 0
	s.mu.Lock()
	for _, st := range states {
		switch st.ActiveState {
		case "active":
			active++
		case "failed":
			failed++
		}
		prev, seen := s.unitStates[st.Name]
		if !seen || prev.ActiveState != st.ActiveState || prev.SubState != st.SubState {
			s.unitStates[st.Name] = st
			if seen {
				changed = append(changed, events.UnitStateChanged{
					Unit:        st.Name,
					ActiveState: st.ActiveState,
					SubState:    st.SubState,
				})
			}
		}
	}
	s.mu.Unlock()

	for _, evt := range changed {
		log.Printf("INFO: unit %s is now %s (%s)", evt.Unit, evt.ActiveState, evt.SubState)
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.Event{Topic: events.TopicUnitStateChanged, Payload: evt})
		}
	}

	if failed > 0 {
		s.tracker.Setf(health.ComponentSystemd, health.LevelWarn,
			"%d/%d units active, %d failed", active, len(names), failed)
	} else {
		s.tracker.Setf(health.ComponentSystemd, health.LevelOK,
			"%d/%d units active", active, len(names))
	}
}

// renewDueCertificates re-issues certificates from the daemon's own
// issuance directory that are inside the renewal window. System-dir
// certificates belong to an external ACME client and are left alone.
func (s *Server) renewDueCertificates(ctx context.Context) {
	list, err := s.cfg.Certs.List()
	if err != nil {
		s.tracker.Setf(health.ComponentCerts, health.LevelWarn, "certificate scan failed: %v", err)
		return
	}

	issuanceDir := s.cfg.Certs.IssuanceDir()
	renewed, failed := 0, 0
	for _, mc := range list {
		if ctx.Err() != nil {
			return
		}
		if mc.Source != issuanceDir || !mc.NeedsRenewal(certs.DefaultRenewalWindow) {
			continue
		}
		log.Printf("INFO: certificate %s expires %s, renewing", mc.Host, mc.NotAfter.Format(time.RFC3339))
		if err := s.cfg.Issuer.Issue(mc.Host); err != nil {
			failed++
			log.Printf("WARN: renewal of %s failed: %v", mc.Host, err)
			if s.cfg.Bus != nil {
				s.cfg.Bus.Publish(events.Event{
					Topic:   events.TopicCertRenewalFailed,
					Payload: events.CertRenewalFailed{Host: mc.Host, Error: err.Error()},
				})
			}
			continue
		}
		renewed++
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.Event{
				Topic:   events.TopicCertIssued,
				Payload: events.CertIssued{Host: mc.Host, Renewal: true},
			})
		}
	}

	switch {
	case failed > 0:
		s.tracker.Setf(health.ComponentCerts, health.LevelWarn, "%d renewal(s) failed", failed)
	case renewed > 0:
		s.tracker.Setf(health.ComponentCerts, health.LevelOK, "%d certificate(s) renewed", renewed)
	default:
		s.tracker.Setf(health.ComponentCerts, health.LevelOK, "certificates current")
	}
}
