package config

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/validate"
)

func TestEmptyDocumentResolvesToDefaults(t *testing.T) {
	layered, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := layered.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("empty document should resolve to defaults:\ngot  %+v\nwant %+v", cfg, Default())
	}
	if cfg.Agent.Retry.MaxAttempts != 3 {
		t.Errorf("default maxAttempts = %d, want 3", cfg.Agent.Retry.MaxAttempts)
	}
	if cfg.FormatDetection.AmbiguityThreshold != 0.05 {
		t.Errorf("default ambiguityThreshold = %v, want 0.05", cfg.FormatDetection.AmbiguityThreshold)
	}
}

const layeredDoc = `
agent:
  timeout:
    default: 3m
    conversion: 10m
  retry:
    maxAttempts: 4
session:
  expire:
    after: 48h
principals:
  lab-alpha:
    agent:
      timeout:
        default: 5m
    validation:
      weight:
        warning: 5
workflows:
  conversion/v2:
    agent:
      retry:
        maxAttempts: 6
    formatDetection:
      ambiguityThreshold: 0.1
`

func TestHierarchicalResolution(t *testing.T) {
	layered, err := Parse([]byte(layeredDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	global, err := layered.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve global failed: %v", err)
	}
	if global.Agent.Timeout.Default.Std() != 3*time.Minute {
		t.Errorf("global timeout = %v, want 3m", global.Agent.Timeout.Default.Std())
	}
	if global.Agent.Timeout.Roles["conversion"].Std() != 10*time.Minute {
		t.Errorf("role timeout = %v, want 10m", global.Agent.Timeout.Roles["conversion"].Std())
	}
	if global.Agent.Retry.MaxAttempts != 4 {
		t.Errorf("global maxAttempts = %d, want 4", global.Agent.Retry.MaxAttempts)
	}
	// Keys absent from the file keep their defaults.
	if global.Agent.Retry.BaseDelay.Std() != 500*time.Millisecond {
		t.Errorf("baseDelay should default to 500ms, got %v", global.Agent.Retry.BaseDelay.Std())
	}
	if global.Session.Expire.After.Std() != 48*time.Hour {
		t.Errorf("expire.after = %v, want 48h", global.Session.Expire.After.Std())
	}

	perPrincipal, err := layered.Resolve("lab-alpha", "")
	if err != nil {
		t.Fatalf("Resolve principal failed: %v", err)
	}
	if perPrincipal.Agent.Timeout.Default.Std() != 5*time.Minute {
		t.Errorf("principal timeout = %v, want 5m", perPrincipal.Agent.Timeout.Default.Std())
	}
	// Overlay touches one leaf; siblings survive from the layer below.
	if perPrincipal.Agent.Retry.MaxAttempts != 4 {
		t.Errorf("principal maxAttempts = %d, want 4 (inherited)", perPrincipal.Agent.Retry.MaxAttempts)
	}
	if perPrincipal.Validation.Weight.Warning != 5 {
		t.Errorf("principal warning weight = %d, want 5", perPrincipal.Validation.Weight.Warning)
	}
	if perPrincipal.Validation.Weight.Critical != 25 {
		t.Errorf("principal critical weight = %d, want 25 (default)", perPrincipal.Validation.Weight.Critical)
	}

	// Workflow overlay wins over principal and global.
	full, err := layered.Resolve("lab-alpha", "conversion/v2")
	if err != nil {
		t.Fatalf("Resolve full failed: %v", err)
	}
	if full.Agent.Retry.MaxAttempts != 6 {
		t.Errorf("workflow maxAttempts = %d, want 6", full.Agent.Retry.MaxAttempts)
	}
	if full.Agent.Timeout.Default.Std() != 5*time.Minute {
		t.Errorf("workflow should inherit principal timeout 5m, got %v", full.Agent.Timeout.Default.Std())
	}
	if full.FormatDetection.AmbiguityThreshold != 0.1 {
		t.Errorf("workflow ambiguityThreshold = %v, want 0.1", full.FormatDetection.AmbiguityThreshold)
	}

	// Unknown principal and workflow fall back to global.
	fallback, err := layered.Resolve("lab-unknown", "no/such")
	if err != nil {
		t.Fatalf("Resolve fallback failed: %v", err)
	}
	if fallback.Agent.Timeout.Default.Std() != 3*time.Minute {
		t.Errorf("fallback timeout = %v, want 3m", fallback.Agent.Timeout.Default.Std())
	}
}

func TestDurationParsing(t *testing.T) {
	layered, err := Parse([]byte("agent:\n  retry:\n    baseDelay: 250ms\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := layered.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if cfg.Agent.Retry.BaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("baseDelay = %v, want 250ms", cfg.Agent.Retry.BaseDelay.Std())
	}

	for _, doc := range []string{
		"agent:\n  retry:\n    baseDelay: oops\n",
		"agent:\n  retry:\n    baseDelay: 250\n",
	} {
		layered, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if _, err := layered.Resolve("", ""); err == nil {
			t.Errorf("expected error for %q", doc)
		}
	}
}

func TestUnrecognizedKeyRejected(t *testing.T) {
	layered, err := Parse([]byte("agents:\n  timeout: 5\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if _, err := layered.Resolve("", ""); err == nil {
		t.Error("expected error for unrecognized top-level key")
	}
}

func TestValidationRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"zero attempts", "agent:\n  retry:\n    maxAttempts: 0\n"},
		{"jitter above one", "agent:\n  retry:\n    jitter: 1.5\n"},
		{"negative weight", "validation:\n  weight:\n    error: -1\n"},
		{"zero threshold", "agent:\n  circuit:\n    failureThreshold: 0\n"},
		{"ambiguity above one", "formatDetection:\n  ambiguityThreshold: 2\n"},
		{"zero buffer", "events:\n  subscriber:\n    bufferSize: 0\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			layered, err := Parse([]byte(tc.doc))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if _, err := layered.Resolve("", ""); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDispatchSettingsBridge(t *testing.T) {
	layered, err := Parse([]byte(layeredDoc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := layered.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	s := cfg.DispatchSettings()
	if s.DefaultTimeout != 3*time.Minute {
		t.Errorf("DefaultTimeout = %v, want 3m", s.DefaultTimeout)
	}
	if got := s.RoleTimeouts[dispatch.RoleConversion]; got != 10*time.Minute {
		t.Errorf("RoleTimeouts[conversion] = %v, want 10m", got)
	}
	if s.Retry.MaxAttempts != 4 || s.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry bridge mismatch: %+v", s.Retry)
	}
	if s.BreakerThreshold != 5 || s.BreakerCooldown != 30*time.Second {
		t.Errorf("breaker bridge mismatch: threshold %d cooldown %v", s.BreakerThreshold, s.BreakerCooldown)
	}
	if s.MaxConcurrentPerRole != 4 {
		t.Errorf("MaxConcurrentPerRole = %d, want 4", s.MaxConcurrentPerRole)
	}
	if err := s.Retry.Validate(); err != nil {
		t.Errorf("bridged retry policy invalid: %v", err)
	}
}

func TestEventRetentionBridge(t *testing.T) {
	layered, err := Parse([]byte("events:\n  retention:\n    size: 50\n    time: 1h\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg, err := layered.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	r := cfg.EventRetention()
	if r.MaxPerSession != 50 || r.MaxAge != time.Hour {
		t.Errorf("retention bridge mismatch: %+v", r)
	}
}

func TestValidationWeightsBridge(t *testing.T) {
	cfg := Default()
	w := cfg.ValidationWeights()
	if !reflect.DeepEqual(w, validate.DefaultWeights()) {
		t.Errorf("default weights bridge mismatch: %v", w)
	}
}

func TestSnapshotHash(t *testing.T) {
	// Same values, different file formatting: identical hash.
	a, err := Parse([]byte("agent:\n  retry:\n    maxAttempts: 4\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	b, err := Parse([]byte("# tuned\nagent:\n  retry:\n    maxAttempts: 4\n\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfgA, err := a.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	cfgB, err := b.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	snapA := NewSnapshot(cfgA, at)
	snapB := NewSnapshot(cfgB, at)
	if snapA.Hash != snapB.Hash {
		t.Errorf("equal configs must hash equal: %s vs %s", snapA.Hash, snapB.Hash)
	}
	if !strings.HasPrefix(snapA.Hash, "sha256:") {
		t.Errorf("hash format: %s", snapA.Hash)
	}

	cfgA.Agent.Retry.MaxAttempts = 5
	if NewSnapshot(cfgA, at).Hash == snapB.Hash {
		t.Error("changed config must change the hash")
	}
}
