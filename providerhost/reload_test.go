package providerhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReloadCoordinatorWatchTriggersRestartOnSourceChange(t *testing.T) {
	tm := newTestManager(t)
	defer tm.hub.Shutdown()
	tm.withHelperEnv(t)

	spec := tm.externalSpawnSpec()
	providerDir := t.TempDir()
	entryPath := filepath.Join(providerDir, "calc.js")
	if err := os.WriteFile(entryPath, []byte("// initial"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	spec.Path = entryPath

	if err := tm.mgr.StartExternal(context.Background(), "calc", spec); err != nil {
		t.Fatalf("StartExternal() error = %v", err)
	}
	waitForStatus(t, tm.mgr, "calc", StatusRunning)

	coordinator, err := NewReloadCoordinator(tm.mgr, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReloadCoordinator() error = %v", err)
	}
	defer coordinator.Close()

	if err := coordinator.Watch("calc", spec, ChangeAnalysis{}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.Run(ctx)

	if err := os.WriteFile(entryPath, []byte("// edited"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	sawReloading := false
	for time.Now().Before(deadline) {
		if tm.mgr.Status("calc") == StatusReloading {
			sawReloading = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !sawReloading {
		t.Fatal("never observed the provider transition to Reloading after a source-file change")
	}
	waitForStatus(t, tm.mgr, "calc", StatusRunning)
}

func TestReloadCoordinatorReloadConfigHonorsTriggerKind(t *testing.T) {
	tm := newTestManager(t)
	defer tm.hub.Shutdown()
	tm.withHelperEnv(t)

	spec := tm.externalSpawnSpec()
	if err := tm.mgr.StartExternal(context.Background(), "calc", spec); err != nil {
		t.Fatalf("StartExternal() error = %v", err)
	}
	waitForStatus(t, tm.mgr, "calc", StatusRunning)

	coordinator, err := NewReloadCoordinator(tm.mgr, nil, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReloadCoordinator() error = %v", err)
	}
	defer coordinator.Close()

	analysis := ChangeAnalysis{RestartTriggers: []string{"config.mode"}, ReinitTriggers: []string{"config.precision"}}
	if err := coordinator.Watch("calc", spec, analysis); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// A key matching neither trigger set is ignored entirely.
	if err := coordinator.ReloadConfig(context.Background(), "calc", spec, []string{"config.unrelated"}); err != nil {
		t.Fatalf("ReloadConfig() error = %v", err)
	}
	if got := tm.mgr.Status("calc"); got != StatusRunning {
		t.Fatalf("Status() = %s after an unrelated key change, want Running", got)
	}

	// A key matching a restart trigger drives a full Reload.
	if err := coordinator.ReloadConfig(context.Background(), "calc", spec, []string{"config.mode"}); err != nil {
		t.Fatalf("ReloadConfig() error = %v", err)
	}
	waitForStatus(t, tm.mgr, "calc", StatusRunning)
}
