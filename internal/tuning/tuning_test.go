package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	body := "max_gold: 5000\ninitial_gold: 100\nshop_stock_cap: 120\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tune, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tune.MaxGold != 5000 || tune.InitialGold != 100 || tune.ShopStockCap != 120 {
		t.Fatalf("overrides not applied: %+v", tune)
	}
	// Untouched keys keep defaults.
	if tune.PandoraCapacity != 5 || tune.PandoraBonusMultiplier != 1.5 {
		t.Fatalf("defaults lost: %+v", tune)
	}
}

func TestLoad_RejectsInconsistentValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("initial_gold: 10\nmax_gold: 5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
