package logx

import (
	"sync"
	"testing"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (c *captureSink) Alert(a Alert) {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestAlertSinkMinLevelAndRate(t *testing.T) {
	sink := &captureSink{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 2},
	}, sink)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("lease unavailable", String("lock", "job:1"), Int("attempt", 2))
	if got := sink.len(); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	a := sink.alerts[0]
	if a.Level != "warn" || a.Message != "lease unavailable" {
		t.Fatalf("alert = %+v", a)
	}
	if a.Fields["lock"] != "job:1" || a.Fields["attempt"] != "2" {
		t.Fatalf("fields = %v", a.Fields)
	}

	// Burst is 2; one token left, then the limiter drops.
	for i := 0; i < 5; i++ {
		log.Error("boom")
	}
	if got := sink.len(); got != 2 {
		t.Fatalf("alerts after burst = %d, want 2", got)
	}
	if svc.DroppedAlerts() != 4 {
		t.Fatalf("dropped = %d, want 4", svc.DroppedAlerts())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning", "error", "trace"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}
