package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/botan/internal/botan/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "botan-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func appendIncident(t *testing.T, s *store.Store, botID string, ts time.Time, sev store.Severity, action store.Action, msg string) *store.Incident {
	t.Helper()
	inc := &store.Incident{
		BotID:     botID,
		Timestamp: ts,
		Severity:  sev,
		Message:   msg,
		Action:    action,
		TraceID:   "t_test",
	}
	if err := s.AppendIncident(context.Background(), inc); err != nil {
		t.Fatalf("AppendIncident: %v", err)
	}
	return inc
}

func TestAppendAndGetIncidents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendIncident(t, s, "bot-a", base, store.SeverityInfo, store.ActionNone, "process exited with code 1")
	appendIncident(t, s, "bot-a", base.Add(5*time.Second), store.SeverityWarning, store.ActionRestarted, "restarted after crash")
	appendIncident(t, s, "bot-b", base.Add(10*time.Second), store.SeverityCritical, store.ActionMarkedFailed, "restart budget exhausted")

	all, err := s.GetIncidents(ctx, store.IncidentFilter{})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d incidents, want 3", len(all))
	}
	// Chronological order, oldest first.
	if all[0].Action != store.ActionNone || all[2].Action != store.ActionMarkedFailed {
		t.Errorf("ordering wrong: %v, %v, %v", all[0].Action, all[1].Action, all[2].Action)
	}
	if all[0].ID == 0 {
		t.Error("AppendIncident did not write back the row ID")
	}
	if all[0].TraceID != "t_test" {
		t.Errorf("trace_id: got %q, want %q", all[0].TraceID, "t_test")
	}
}

func TestGetIncidentsFilterByBot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendIncident(t, s, "bot-a", base, store.SeverityInfo, store.ActionNone, "one")
	appendIncident(t, s, "bot-b", base.Add(time.Second), store.SeverityInfo, store.ActionNone, "two")

	got, err := s.GetIncidents(ctx, store.IncidentFilter{BotID: "bot-b"})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(got) != 1 || got[0].Message != "two" {
		t.Errorf("bot filter: got %+v, want only bot-b's incident", got)
	}
}

func TestGetIncidentsFilterSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendIncident(t, s, "bot-a", base, store.SeverityInfo, store.ActionNone, "old")
	appendIncident(t, s, "bot-a", base.Add(time.Minute), store.SeverityWarning, store.ActionRestarted, "recent")

	got, err := s.GetIncidents(ctx, store.IncidentFilter{Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(got) != 1 || got[0].Message != "recent" {
		t.Errorf("since filter: got %+v, want only the recent incident", got)
	}

	// The boundary is inclusive.
	got, err = s.GetIncidents(ctx, store.IncidentFilter{Since: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("inclusive since: got %d incidents, want 1", len(got))
	}
}

func TestGetIncidentsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		appendIncident(t, s, "bot-a", base.Add(time.Duration(i)*time.Second), store.SeverityInfo, store.ActionNone, "crash")
	}
	got, err := s.GetIncidents(ctx, store.IncidentFilter{Limit: 2})
	if err != nil {
		t.Fatalf("GetIncidents: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limit: got %d incidents, want 2", len(got))
	}
}

func TestAppendIncidentRejectsBadRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []*store.Incident{
		nil,
		{Severity: store.SeverityInfo, Action: store.ActionNone, Message: "no bot"},
		{BotID: "bot-a", Severity: store.SeverityInfo, Action: store.ActionNone},
		{BotID: "bot-a", Severity: "catastrophic", Action: store.ActionNone, Message: "x"},
		{BotID: "bot-a", Severity: store.SeverityInfo, Action: "rebooted", Message: "x"},
	}
	for i, inc := range bad {
		if err := s.AppendIncident(ctx, inc); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}

func TestIncidentCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	appendIncident(t, s, "bot-a", base, store.SeverityInfo, store.ActionNone, "one")
	appendIncident(t, s, "bot-a", base.Add(time.Second), store.SeverityInfo, store.ActionNone, "two")
	appendIncident(t, s, "bot-b", base.Add(2*time.Second), store.SeverityInfo, store.ActionNone, "three")

	total, err := s.IncidentCount(ctx, "")
	if err != nil {
		t.Fatalf("IncidentCount: %v", err)
	}
	if total != 3 {
		t.Errorf("total: got %d, want 3", total)
	}
	forA, err := s.IncidentCount(ctx, "bot-a")
	if err != nil {
		t.Fatalf("IncidentCount(bot-a): %v", err)
	}
	if forA != 2 {
		t.Errorf("bot-a: got %d, want 2", forA)
	}
}
