package providerhost

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func newTestHost(t *testing.T) *Host {
	t.Helper()
	host, err := NewHost(HostOptions{
		SocketDir:                   t.TempDir(),
		ToolCallTimeout:             2 * time.Second,
		ProviderRegistrationTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	host.Start(ctx)
	t.Cleanup(func() { host.Shutdown(context.Background()) })
	return host
}

func waitForHostStatus(t *testing.T, host *Host, name string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if host.ProviderStatus(name) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("provider %q never reached status %s (last seen %s)", name, want, host.ProviderStatus(name))
}

func helperSpawnSpec(host *Host) SpawnSpec {
	return SpawnSpec{
		Path:          "helper-provider",
		Runtime:       RuntimeCommand{Command: os.Args[0]},
		ShutdownGrace: 2 * time.Second,
	}
}

// TestHostExternalProviderRegistersAndServesCalls realizes scenario S1: an
// external provider connects, registers a tool, and the host routes a call
// to it and back.
func TestHostExternalProviderRegistersAndServesCalls(t *testing.T) {
	host := newTestHost(t)
	t.Setenv(helperProcessEnv, "1")

	if err := host.StartExternalProvider(context.Background(), "calc", helperSpawnSpec(host), false, ChangeAnalysis{}); err != nil {
		t.Fatalf("StartExternalProvider() error = %v", err)
	}
	waitForHostStatus(t, host, "calc", StatusRunning)

	tools := host.ListTools()
	if len(tools) != 1 || tools[0].Name != "add" {
		t.Fatalf("ListTools() = %+v, want a single \"add\" tool", tools)
	}

	result := host.CallTool(context.Background(), "add", json.RawMessage(`{"a":10,"b":5}`))
	if !result.OK {
		t.Fatalf("CallTool() failed: kind=%s error=%s", result.Kind, result.Error)
	}
	var got struct{ Sum float64 }
	if err := json.Unmarshal(result.Data, &got); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if got.Sum != 15 {
		t.Fatalf("sum = %v, want 15", got.Sum)
	}
}

// TestHostCallToolOnUnknownToolReturnsToolNotFound realizes scenario S2: a
// call to a tool name no provider has registered fails with ToolNotFound.
func TestHostCallToolOnUnknownToolReturnsToolNotFound(t *testing.T) {
	host := newTestHost(t)

	result := host.CallTool(context.Background(), "never-registered", nil)
	if result.OK {
		t.Fatal("CallTool() on a never-registered tool unexpectedly succeeded")
	}
	if result.Kind != ToolNotFound {
		t.Fatalf("result.Kind = %s, want ToolNotFound", result.Kind)
	}
}

// TestHostReloadKeepsRegistrySelfConsistentUnderConcurrentReads realizes
// invariant 5 (scenario S4, spec.md:223): a provider running with tools
// ["a","b"] is reloaded into a build declaring ["a","c"]. A concurrent
// ListTools must never observe a mixed snapshot — only a subset of the old
// set, a subset of the new set, or empty during the swap itself — which
// would be impossible to assert if the tool set never changed across the
// reload.
func TestHostReloadKeepsRegistrySelfConsistentUnderConcurrentReads(t *testing.T) {
	host := newTestHost(t)
	t.Setenv(helperProcessEnv, "1")

	oldSet := map[string]bool{"a": true, "b": true}
	newSet := map[string]bool{"a": true, "c": true}

	t.Setenv(helperToolsEnv, "a,b")
	if err := host.StartExternalProvider(context.Background(), "calc", helperSpawnSpec(host), false, ChangeAnalysis{}); err != nil {
		t.Fatalf("StartExternalProvider() error = %v", err)
	}
	waitForHostStatus(t, host, "calc", StatusRunning)

	tools := host.ListTools()
	gotInitial := map[string]bool{}
	for _, tool := range tools {
		gotInitial[tool.Name] = true
	}
	if len(gotInitial) != 2 || !gotInitial["a"] || !gotInitial["b"] {
		t.Fatalf("ListTools() after start = %+v, want exactly a,b", tools)
	}

	stop := make(chan struct{})
	inconsistent := make(chan []string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			names := map[string]bool{}
			for _, tool := range host.ListTools() {
				names[tool.Name] = true
			}
			subsetOfOld, subsetOfNew := true, true
			for n := range names {
				if !oldSet[n] {
					subsetOfOld = false
				}
				if !newSet[n] {
					subsetOfNew = false
				}
			}
			if !subsetOfOld && !subsetOfNew {
				bad := make([]string, 0, len(names))
				for n := range names {
					bad = append(bad, n)
				}
				select {
				case inconsistent <- bad:
				default:
				}
			}
		}
	}()

	t.Setenv(helperToolsEnv, "a,c")
	if err := host.Reload(context.Background(), "calc", helperSpawnSpec(host)); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	waitForHostStatus(t, host, "calc", StatusRunning)
	close(stop)

	select {
	case bad := <-inconsistent:
		t.Fatalf("observed an inconsistent tool set during reload: %v", bad)
	default:
	}

	final := map[string]bool{}
	for _, tool := range host.ListTools() {
		final[tool.Name] = true
	}
	if len(final) != 2 || !final["a"] || !final["c"] {
		t.Fatalf("ListTools() after reload = %+v, want exactly a,c", host.ListTools())
	}
}
