package algo

import (
	"testing"
	"time"
)

func TestAllocate_SplitsEvenlyWithNoDemand(t *testing.T) {
	blocks := []BlockStats{{Name: "a"}, {Name: "b"}}
	w := DefaultWeights(50 * time.Millisecond)

	got := Allocate(blocks, 10, w)
	if got["a"]+got["b"] != 10 {
		t.Fatalf("expected targets to sum to 10, got %v", got)
	}
	if got["a"] != 5 || got["b"] != 5 {
		t.Fatalf("expected an even split with no demand, got %v", got)
	}
}

func TestAllocate_ProportionalToWaiters(t *testing.T) {
	blocks := []BlockStats{
		{Name: "busy", Waiting: 10},
		{Name: "quiet", Waiting: 1},
	}
	w := DefaultWeights(50 * time.Millisecond)

	got := Allocate(blocks, 10, w)
	if got["busy"] <= got["quiet"] {
		t.Fatalf("expected busy to outweigh quiet, got %v", got)
	}
	if got["busy"]+got["quiet"] != 10 {
		t.Fatalf("expected targets to sum to max_connections, got %v", got)
	}
}

func TestTarget_HungryBlockGetsAtLeastOne(t *testing.T) {
	blocks := []BlockStats{
		{Name: "saturated", Active: 100},
		{Name: "starved", Waiting: 1},
	}
	w := DefaultWeights(50 * time.Millisecond)

	got := Allocate(blocks, 4, w)
	if got["starved"] < 1 {
		t.Fatalf("expected a block with any waiter to get target >= 1, got %d", got["starved"])
	}
}

func TestAllocate_NoBlocksOrNoCapacity(t *testing.T) {
	w := DefaultWeights(50 * time.Millisecond)

	if got := Allocate(nil, 10, w); len(got) != 0 {
		t.Fatalf("expected empty allocation for no blocks, got %v", got)
	}
	if got := Allocate([]BlockStats{{Name: "a"}}, 0, w); len(got) != 0 {
		t.Fatalf("expected empty allocation for zero capacity, got %v", got)
	}
}

func TestPickVictims_NeverTakesFromABlockWithWaiters(t *testing.T) {
	blocks := []BlockStats{
		{Name: "a", Idle: 5, Waiting: 1}, // overfull but has a waiter: must not donate
		{Name: "b", Idle: 5},             // overfull, no waiter: eligible donor
		{Name: "c", Waiting: 3},          // underfull, hungry
	}
	targets := Allocation{"a": 1, "b": 1, "c": 3}

	victims := PickVictims(blocks, targets)
	for _, v := range victims {
		if v.From == "a" {
			t.Fatalf("expected a block with waiters to never be a donor, got victim %+v", v)
		}
	}
	if len(victims) == 0 {
		t.Fatal("expected at least one victim from the eligible overfull donor")
	}
}

func TestPickVictims_MatchesOverfullToHungriest(t *testing.T) {
	blocks := []BlockStats{
		{Name: "donor", Idle: 10},
		{Name: "recipient", Waiting: 5},
	}
	targets := Allocation{"donor": 2, "recipient": 3}

	victims := PickVictims(blocks, targets)
	if len(victims) == 0 {
		t.Fatal("expected at least one victim")
	}
	for _, v := range victims {
		if v.From != "donor" || v.To != "recipient" {
			t.Fatalf("expected donor->recipient, got %+v", v)
		}
	}
}
