package budget

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/tbancroft/stampede/internal/config"
)

func strictGovernor(total, perTask, estimate int64) *Governor {
	return New(config.BudgetConfig{
		TotalLimit:       total,
		PerTaskLimit:     perTask,
		WarningThreshold: 80,
		EnforcementMode:  config.EnforcementStrict,
		EstimatePerTask:  estimate,
	})
}

func TestAdmitUnlimited(t *testing.T) {
	g := strictGovernor(0, 0, 600)

	for i := 0; i < 100; i++ {
		g.Record("t", 1000)
	}
	d, err := g.Admit("t")
	if err != nil || !d.Allowed {
		t.Errorf("zero limit must always admit, got %v / %v", d, err)
	}
	if g.Status() != StatusOK {
		t.Errorf("Status = %v, want OK with no limit", g.Status())
	}
}

func TestStrictExhaustion(t *testing.T) {
	g := strictGovernor(1000, 0, 600)

	d, err := g.Admit("t1")
	if err != nil || !d.Allowed {
		t.Fatalf("first admit should pass: %v", err)
	}
	g.Record("t1", 600)

	// 600 used + 600 estimate > 1000.
	d, err = g.Admit("t2")
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
	if d.Allowed {
		t.Error("strict mode must refuse the dispatch")
	}

	used, limit, _ := g.Usage()
	if used != 600 || limit != 1000 {
		t.Errorf("Usage = %d/%d, want 600/1000", used, limit)
	}
	if used > limit {
		t.Error("strict mode must never let usage exceed the limit")
	}
}

func TestSoftModeWarnsInsteadOfRefusing(t *testing.T) {
	g := New(config.BudgetConfig{
		TotalLimit:       1000,
		WarningThreshold: 80,
		EnforcementMode:  config.EnforcementSoft,
		EstimatePerTask:  600,
	})
	g.Record("t1", 600)

	d, err := g.Admit("t2")
	if err != nil {
		t.Fatalf("soft mode must not error: %v", err)
	}
	if !d.Allowed || !d.Warn {
		t.Errorf("Decision = %+v, want allowed with warning", d)
	}
}

func TestPerTaskLimit(t *testing.T) {
	g := strictGovernor(0, 500, 200)
	g.Record("greedy", 400)

	// 400 recorded is now the estimate; 400+400 > 500.
	_, err := g.Admit("greedy")
	if !errors.Is(err, ErrPerTaskExceeded) {
		t.Errorf("err = %v, want ErrPerTaskExceeded", err)
	}

	// Other tasks are unaffected.
	if _, err := g.Admit("modest"); err != nil {
		t.Errorf("other task should admit: %v", err)
	}
}

func TestEstimatePrefersRecordedUsage(t *testing.T) {
	g := strictGovernor(10000, 0, 100)

	d, _ := g.Admit("t1")
	if d.Estimate != 100 {
		t.Errorf("Estimate = %d, want configured 100", d.Estimate)
	}

	g.Record("t1", 750)
	d, _ = g.Admit("t1")
	if d.Estimate != 750 {
		t.Errorf("Estimate = %d, want recorded 750", d.Estimate)
	}
}

func TestStatusThresholds(t *testing.T) {
	g := strictGovernor(1000, 0, 0)

	if g.Status() != StatusOK {
		t.Errorf("fresh governor = %v, want OK", g.Status())
	}
	g.Record("t", 799)
	if g.Status() != StatusOK {
		t.Errorf("79.9%% = %v, want OK", g.Status())
	}
	g.Record("t", 1)
	if g.Status() != StatusWarning {
		t.Errorf("80%% = %v, want Warning", g.Status())
	}
	g.Record("t", 200)
	if g.Status() != StatusExhausted {
		t.Errorf("100%% = %v, want Exhausted", g.Status())
	}
}

func TestTakeWarningIdempotent(t *testing.T) {
	g := strictGovernor(1000, 0, 0)

	if g.TakeWarning() {
		t.Error("no warning below threshold")
	}
	g.Record("t", 850)
	if !g.TakeWarning() {
		t.Error("first call past threshold should fire")
	}
	if g.TakeWarning() {
		t.Error("warning must fire exactly once per run")
	}
	g.Record("t", 500)
	if g.TakeWarning() {
		t.Error("warning stays latched even past exhaustion")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := strictGovernor(5000, 0, 0)
	g.Record("a", 100)
	g.Record("b", 250)

	path := filepath.Join(t.TempDir(), "state", "budget.yaml")
	if err := g.WriteSnapshot(path); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot should be valid YAML: %v", err)
	}
	if snap.TokensUsed != 350 {
		t.Errorf("TokensUsed = %d, want 350", snap.TokensUsed)
	}
	if snap.PerTask["a"] != 100 || snap.PerTask["b"] != 250 {
		t.Errorf("PerTask = %v", snap.PerTask)
	}
}

func TestRecordIgnoresNegative(t *testing.T) {
	g := strictGovernor(1000, 0, 0)
	g.Record("t", -50)
	used, _, _ := g.Usage()
	if used != 0 {
		t.Errorf("used = %d, want 0 after negative report", used)
	}
}
