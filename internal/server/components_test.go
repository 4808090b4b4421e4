package server

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"tunneld/internal/certs"
	"tunneld/internal/events"
	"tunneld/internal/health"
)

func TestEventLogBoundedNewestFirst(t *testing.T) {
	logbook := newEventLog(3)
	for i := 0; i < 5; i++ {
		logbook.add(events.TopicAudit, events.AuditEvent{Kind: fmt.Sprintf("action-%d", i)})
	}
	entries := logbook.List()
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	newest := entries[0].Payload.(events.AuditEvent)
	oldest := entries[2].Payload.(events.AuditEvent)
	if newest.Kind != "action-4" || oldest.Kind != "action-2" {
		t.Fatalf("unexpected order: newest=%s oldest=%s", newest.Kind, oldest.Kind)
	}
}

func TestEventLogObserverRecords(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	logbook := newEventLog(8)

	observer := newEventLogObserver(bus, logbook)
	if err := observer.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = observer.Stop(context.Background()) }()

	bus.Publish(events.Event{
		Topic:   events.TopicCertIssued,
		Payload: events.CertIssued{Host: "tunnel.example.com"},
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if entries := logbook.List(); len(entries) == 1 {
			if entries[0].Topic != "cert_issued" {
				t.Fatalf("unexpected topic %s", entries[0].Topic)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event never recorded")
}

func TestPollUnitsBeforeFirstApply(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)
	srv.cfg.Units = newFakeUnitSource()

	srv.pollUnits(context.Background())

	st := srv.tracker.Snapshot()[health.ComponentSystemd]
	if st.Level != health.LevelOK || st.Message != "no managed units" {
		t.Fatalf("unexpected systemd status: %+v", st)
	}
}

func TestPollUnitsTracksChanges(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)
	units := newFakeUnitSource()
	srv.cfg.Units = units
	bus := events.NewBus()
	defer bus.Close()
	srv.cfg.Bus = bus
	changes := bus.Subscribe(events.TopicUnitStateChanged, 4)

	if _, _, err := srv.Apply(context.Background()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	units.set("wstunnel-server-web.service", "active", "running")
	units.set("wstunnel-client-vpn.service", "active", "running")

	// First sighting populates the cache without publishing.
	srv.pollUnits(context.Background())
	select {
	case evt := <-changes:
		t.Fatalf("unexpected event on first poll: %+v", evt)
	default:
	}
	if st := srv.tracker.Snapshot()[health.ComponentSystemd]; st.Level != health.LevelOK {
		t.Fatalf("expected ok with all units active: %+v", st)
	}

	units.set("wstunnel-client-vpn.service", "failed", "failed")
	srv.pollUnits(context.Background())
	select {
	case evt := <-changes:
		payload := evt.Payload.(events.UnitStateChanged)
		if payload.Unit != "wstunnel-client-vpn.service" || payload.ActiveState != "failed" {
			t.Fatalf("unexpected change event: %+v", payload)
		}
	default:
		t.Fatal("no unit-state-changed event published")
	}
	st := srv.tracker.Snapshot()[health.ComponentSystemd]
	if st.Level != health.LevelWarn || st.Message != "1/2 units active, 1 failed" {
		t.Fatalf("unexpected systemd status: %+v", st)
	}

	// Unit state shows up in the API view.
	w := doRequest(srv, "GET", "/api/v1/units/wstunnel-client-vpn", "", "")
	if w.Code != 200 {
		t.Fatalf("unit view %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"active_state":"failed"`, `"sub_state":"failed"`} {
		if !strings.Contains(body, want) {
			t.Errorf("unit view missing %s: %s", want, body)
		}
	}
}

func TestPollUnitsQueryFailure(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)
	units := newFakeUnitSource()
	units.err = fmt.Errorf("dbus connection lost")
	srv.cfg.Units = units

	if _, _, err := srv.Apply(context.Background()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	srv.pollUnits(context.Background())

	st := srv.tracker.Snapshot()[health.ComponentSystemd]
	if st.Level != health.LevelError {
		t.Fatalf("expected error level, got %+v", st)
	}
}

func TestRenewDueCertificates(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)
	view := srv.cfg.Certs.(*fakeCertView)
	view.setList([]certs.ManagedCert{
		{Host: "due.example.com", Source: view.issuanceDir, NotAfter: time.Now().Add(5 * 24 * time.Hour)},
		{Host: "fresh.example.com", Source: view.issuanceDir, NotAfter: time.Now().Add(90 * 24 * time.Hour)},
		{Host: "external.example.com", Source: "/etc/ssl/tunnels", NotAfter: time.Now().Add(2 * 24 * time.Hour)},
	})
	issuer := &fakeIssuer{}
	srv.cfg.Issuer = issuer
	bus := events.NewBus()
	defer bus.Close()
	srv.cfg.Bus = bus
	issued := bus.Subscribe(events.TopicCertIssued, 4)

	srv.renewDueCertificates(context.Background())

	if hosts := issuer.hosts(); len(hosts) != 1 || hosts[0] != "due.example.com" {
		t.Fatalf("expected only due.example.com renewed, got %v", hosts)
	}
	select {
	case evt := <-issued:
		payload := evt.Payload.(events.CertIssued)
		if payload.Host != "due.example.com" || !payload.Renewal {
			t.Fatalf("unexpected issue event: %+v", payload)
		}
	default:
		t.Fatal("no cert-issued event published")
	}
	st := srv.tracker.Snapshot()[health.ComponentCerts]
	if st.Level != health.LevelOK || st.Message != "1 certificate(s) renewed" {
		t.Fatalf("unexpected certs status: %+v", st)
	}
}

func TestRenewDueCertificatesFailure(t *testing.T) {
	srv, _ := newTestServer(t, testDoc)
	view := srv.cfg.Certs.(*fakeCertView)
	view.setList([]certs.ManagedCert{
		{Host: "due.example.com", Source: view.issuanceDir, NotAfter: time.Now().Add(5 * 24 * time.Hour)},
	})
	issuer := &fakeIssuer{err: fmt.Errorf("acme backend down")}
	srv.cfg.Issuer = issuer
	bus := events.NewBus()
	defer bus.Close()
	srv.cfg.Bus = bus
	failures := bus.Subscribe(events.TopicCertRenewalFailed, 4)

	srv.renewDueCertificates(context.Background())

	select {
	case evt := <-failures:
		payload := evt.Payload.(events.CertRenewalFailed)
		if payload.Host != "due.example.com" || payload.Error != "acme backend down" {
			t.Fatalf("unexpected failure event: %+v", payload)
		}
	default:
		t.Fatal("no renewal-failed event published")
	}
	st := srv.tracker.Snapshot()[health.ComponentCerts]
	if st.Level != health.LevelWarn || st.Message != "1 renewal(s) failed" {
		t.Fatalf("unexpected certs status: %+v", st)
	}
}
