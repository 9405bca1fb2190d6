package providerhost

import (
	"sort"
	"testing"
)

func TestRegistryReplaceProviderToolsAtomicSwap(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	reg := NewRegistry(bus)

	if err := reg.ReplaceProviderTools("calc", []ToolDescriptor{
		{Name: "add", Provider: "calc"},
		{Name: "sub", Provider: "calc"},
	}); err != nil {
		t.Fatalf("ReplaceProviderTools() error = %v", err)
	}

	names := toolNames(reg.List())
	if want := []string{"add", "sub"}; !equalStrings(names, want) {
		t.Fatalf("List() = %v, want %v", names, want)
	}

	drainEvents(t, sub, 2)

	if err := reg.ReplaceProviderTools("calc", []ToolDescriptor{
		{Name: "mul", Provider: "calc"},
	}); err != nil {
		t.Fatalf("ReplaceProviderTools() error = %v", err)
	}

	names = toolNames(reg.List())
	if want := []string{"mul"}; !equalStrings(names, want) {
		t.Fatalf("List() after swap = %v, want %v", names, want)
	}

	events := drainEvents(t, sub, 3)
	var sawUnregistered, sawRegistered bool
	for _, e := range events {
		switch e.Kind {
		case EventToolUnregistered:
			if e.Tool != "add" && e.Tool != "sub" {
				t.Fatalf("unexpected unregistered tool %q", e.Tool)
			}
			sawUnregistered = true
		case EventToolRegistered:
			if e.Tool != "mul" {
				t.Fatalf("unexpected registered tool %q", e.Tool)
			}
			sawRegistered = true
		}
	}
	if !sawUnregistered || !sawRegistered {
		t.Fatalf("expected both unregistered and registered events, got %+v", events)
	}
}

func TestRegistryRejectsCrossProviderNameCollision(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Close()
	reg := NewRegistry(bus)

	if err := reg.ReplaceProviderTools("calc", []ToolDescriptor{{Name: "add", Provider: "calc"}}); err != nil {
		t.Fatalf("ReplaceProviderTools(calc) error = %v", err)
	}

	err := reg.ReplaceProviderTools("other", []ToolDescriptor{{Name: "add", Provider: "other"}})
	if err == nil {
		t.Fatal("expected a name collision error, got nil")
	}
	var collision *NameCollision
	if !isNameCollision(err, &collision) {
		t.Fatalf("error = %v, want *NameCollision", err)
	}

	// Rejected registration must not have mutated the registry at all.
	tool, ok := reg.Get("add")
	if !ok || tool.Provider != "calc" {
		t.Fatalf("Get(add) = %+v, %v, want provider calc", tool, ok)
	}
}

func TestRegistryClearProviderRemovesAllItsTools(t *testing.T) {
	bus := NewEventBus(0)
	defer bus.Close()
	reg := NewRegistry(bus)

	if err := reg.ReplaceProviderTools("calc", []ToolDescriptor{
		{Name: "add", Provider: "calc"},
		{Name: "sub", Provider: "calc"},
	}); err != nil {
		t.Fatalf("ReplaceProviderTools() error = %v", err)
	}
	if err := reg.ClearProvider("calc"); err != nil {
		t.Fatalf("ClearProvider() error = %v", err)
	}
	if got := reg.List(); len(got) != 0 {
		t.Fatalf("List() after ClearProvider = %v, want empty", got)
	}
}

func toolNames(tools []ToolDescriptor) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func drainEvents(t *testing.T, sub *EventSubscription, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case e := <-sub.Events():
			events = append(events, e)
		default:
			t.Fatalf("expected %d events, only got %d", n, len(events))
		}
	}
	return events
}

func isNameCollision(err error, target **NameCollision) bool {
	collision, ok := err.(*NameCollision)
	if !ok {
		return false
	}
	*target = collision
	return true
}
