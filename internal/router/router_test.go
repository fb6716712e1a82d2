package router

import (
	"testing"

	"github.com/sqlbridge/sqlbridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Destinations: map[string]config.DestinationConfig{
			"primary":  {Address: "10.0.0.1:3306", Mode: "read-write"},
			"replica1": {Address: "10.0.0.2:3306", Mode: "read-only"},
			"replica2": {Address: "10.0.0.3:3306", Mode: "read-only"},
		},
	}
}

func TestResolveByMode(t *testing.T) {
	r := New(testConfig())

	dest, err := r.Resolve(ModeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if dest.Name != "primary" {
		t.Errorf("read-write destination = %q, want primary", dest.Name)
	}

	dest, err = r.Resolve(ModeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if dest.Mode != ModeReadOnly {
		t.Errorf("mode = %v, want read-only", dest.Mode)
	}
}

func TestResolveRoundRobin(t *testing.T) {
	r := New(testConfig())

	first, _ := r.Resolve(ModeReadOnly)
	second, _ := r.Resolve(ModeReadOnly)
	third, _ := r.Resolve(ModeReadOnly)

	if first.Name == second.Name {
		t.Errorf("no rotation: %q then %q", first.Name, second.Name)
	}
	if third.Name != first.Name {
		t.Errorf("rotation did not wrap: %q, %q, %q", first.Name, second.Name, third.Name)
	}
}

func TestPauseExcludesDestination(t *testing.T) {
	r := New(testConfig())

	if !r.Pause("replica1") {
		t.Fatal("Pause returned false for a known destination")
	}
	for i := 0; i < 4; i++ {
		dest, err := r.Resolve(ModeReadOnly)
		if err != nil {
			t.Fatal(err)
		}
		if dest.Name == "replica1" {
			t.Fatal("paused destination was selected")
		}
	}

	if !r.Resume("replica1") {
		t.Fatal("Resume returned false")
	}
	if r.IsPaused("replica1") {
		t.Error("destination still paused after Resume")
	}

	if r.Pause("nope") {
		t.Error("Pause returned true for an unknown destination")
	}
}

func TestUnhealthyExcluded(t *testing.T) {
	r := New(testConfig())
	r.SetHealthFunc(func(name string) bool { return name != "primary" })

	if _, err := r.Resolve(ModeReadWrite); err == nil {
		t.Error("unhealthy destination was selected")
	}
	if _, err := r.Resolve(ModeReadOnly); err != nil {
		t.Errorf("healthy destinations rejected: %v", err)
	}
}

func TestReloadReplacesTable(t *testing.T) {
	r := New(testConfig())
	r.Pause("replica1")

	r.Reload(&config.Config{
		Destinations: map[string]config.DestinationConfig{
			"replica9": {Address: "10.0.9.9:3306", Mode: "read-only"},
		},
	})

	if _, ok := r.Lookup("primary"); ok {
		t.Error("old destination survived the reload")
	}
	dest, ok := r.Lookup("replica9")
	if !ok || dest.Address != "10.0.9.9:3306" {
		t.Errorf("Lookup(replica9) = %+v, %v", dest, ok)
	}
	if r.IsPaused("replica1") {
		t.Error("pause state leaked across reload")
	}
}
