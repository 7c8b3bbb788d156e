package logging_test

import (
	"context"
	"testing"
	"time"

	"skirmish/client/logging"
	"skirmish/client/logging/sinks"
)

func newTestRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.MemorySink) {
	t.Helper()
	memory := sinks.NewMemorySink()
	router := logging.NewRouter(cfg, nil, []logging.NamedSink{{Name: "memory", Sink: memory}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		router.Close(ctx)
	})
	return router, memory
}

func closeRouter(t *testing.T, router *logging.Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close router: %v", err)
	}
}

func TestRouterDeliversToEnabledSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{
		Type:     "session.connected",
		Epoch:    2,
		Subject:  logging.Subject{Kind: logging.SubjectTransport},
		Severity: logging.SeverityInfo,
	})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "session.connected" || events[0].Epoch != 2 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatalf("expected router to stamp event time")
	}
}

func TestRouterFiltersBySeverity(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.MinimumSeverity = logging.SeverityWarn
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "a", Severity: logging.SeverityDebug})
	router.Publish(context.Background(), logging.Event{Type: "b", Severity: logging.SeverityError})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 || events[0].Type != "b" {
		t.Fatalf("expected only the error event, got %+v", events)
	}
}

func TestRouterSkipsDisabledSinks(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console"}
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "a", Severity: logging.SeverityInfo})
	closeRouter(t, router)

	if len(memory.Events()) != 0 {
		t.Fatalf("disabled sink received events")
	}
	if router.Sink("memory") != nil {
		t.Fatalf("disabled sink should not be registered")
	}
}

func TestRouterAttachesAmbientFields(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"memory"}
	cfg.Fields = map[string]any{"clientId": "client-1"}
	router, memory := newTestRouter(t, cfg)

	router.Publish(context.Background(), logging.Event{Type: "a", Severity: logging.SeverityInfo})
	closeRouter(t, router)

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["clientId"] != "client-1" {
		t.Fatalf("ambient field missing: %+v", events[0].Extra)
	}
}

func TestRouterDropsWhenQueueFullAndCounts(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{}
	cfg.BufferSize = 1
	router := logging.NewRouter(cfg, nil, nil)

	for i := 0; i < 64; i++ {
		router.Publish(context.Background(), logging.Event{Type: "flood", Severity: logging.SeverityInfo})
	}
	closeRouter(t, router)
	stats := router.Stats()
	if stats.EventsTotal+stats.DroppedTotal != 64 {
		t.Fatalf("expected 64 events accounted for, got %+v", stats)
	}
}
