// Package algo implements the periodic controller that rebalances each
// database's target capacity against the shared max_connections budget,
// and nominates reassignment victims so an overfull, idle database can
// donate a connection to a starving one.
//
// It is a pure scheduling computation grounded in spec.md §4.6: there is
// no third-party dependency anywhere in the pack for this kind of
// proportional-allocation bookkeeping, so this package, like the teacher's
// closest analogue (none — the teacher pool is single-bucket and never
// rebalances), is built entirely on the standard library.
package algo

import (
	"math"
	"sort"
	"time"
)

// Default demand-score weights. spec.md §9 leaves the exact weighting an
// Open Question; these are this module's concrete choice, overridable via
// Weights.
const (
	DefaultWeightWaiting = 4.0
	DefaultWeightActive  = 1.0
	DefaultWeightHunger  = 2.0
)

// Weights configures the demand score D(b) = WeightWaiting*Waiting(b) +
// WeightActive*Active(b) + WeightHunger*f(oldestWaitAge(b)).
type Weights struct {
	Waiting float64
	Active  float64
	Hunger  float64
	// TickInterval normalizes the hunger term: f(age) = min(age/TickInterval, 10).
	TickInterval time.Duration
}

// DefaultWeights returns the module's chosen defaults for a given tick
// interval.
func DefaultWeights(tick time.Duration) Weights {
	return Weights{
		Waiting:      DefaultWeightWaiting,
		Active:       DefaultWeightActive,
		Hunger:       DefaultWeightHunger,
		TickInterval: tick,
	}
}

// BlockStats is the read-only view the controller needs from one Block
// per tick. It mirrors metrics.Counters plus the wait queue's own
// bookkeeping, decoupled from the block package so algo has no import
// dependency on it.
type BlockStats struct {
	Name       string
	Active     int64
	Idle       int64
	Connecting int64
	Waiting    int64
	OldestWait time.Duration
}

func (s BlockStats) inUse() int64 { return s.Active + s.Idle + s.Connecting }

// hunger applies the saturating f(age) = min(age/tick, 10) term.
func hunger(age time.Duration, tick time.Duration) float64 {
	if tick <= 0 {
		return 0
	}
	v := age.Seconds() / tick.Seconds()
	if v > 10 {
		return 10
	}
	return v
}

func demand(s BlockStats, w Weights) float64 {
	return w.Waiting*float64(s.Waiting) + w.Active*float64(s.Active) + w.Hunger*hunger(s.OldestWait, w.TickInterval)
}

// Allocation is the controller's output for one tick: the new target per
// database, by name.
type Allocation map[string]int64

// Allocate computes each block's new target so every target is >= 0,
// every block with any waiter gets target >= 1 (invariant 5), and the
// targets sum to exactly maxConnections. The one exception is when more
// blocks have waiters than maxConnections: each of them still gets 1, so
// the sum then exceeds maxConnections. Allocation is proportional to
// demand score, using the largest-remainder method so integer targets
// sum exactly right without any block silently losing its guaranteed
// floor.
func Allocate(blocks []BlockStats, maxConnections int64, w Weights) Allocation {
	out := make(Allocation, len(blocks))
	if len(blocks) == 0 || maxConnections <= 0 {
		return out
	}

	scores := make([]float64, len(blocks))
	total := 0.0
	for i, b := range blocks {
		d := demand(b, w)
		if d <= 0 && b.inUse() > 0 {
			// A block with live connections but no measured demand this
			// tick (e.g. idle keep-alives) still deserves a nonzero
			// share so Prune doesn't immediately evict everything it
			// holds; floor it at 1 unit of demand.
			d = 1
		}
		scores[i] = d
		total += d
	}

	if total <= 0 {
		// No demand anywhere: split evenly so the pool stays responsive
		// to the first acquirer on any database.
		share := maxConnections / int64(len(blocks))
		rem := maxConnections % int64(len(blocks))
		for i, b := range blocks {
			t := share
			if int64(i) < rem {
				t++
			}
			out[b.Name] = t
		}
		return applyWaiterFloor(out, blocks)
	}

	raw := make([]float64, len(blocks))
	floors := make([]int64, len(blocks))
	var assigned int64
	for i := range blocks {
		raw[i] = float64(maxConnections) * scores[i] / total
		floors[i] = int64(math.Floor(raw[i]))
		assigned += floors[i]
	}

	remainder := maxConnections - assigned
	type frac struct {
		idx int
		f   float64
	}
	fracs := make([]frac, len(blocks))
	for i := range blocks {
		fracs[i] = frac{idx: i, f: raw[i] - float64(floors[i])}
	}
	sort.Slice(fracs, func(i, j int) bool { return fracs[i].f > fracs[j].f })
	for i := int64(0); i < remainder && int(i) < len(fracs); i++ {
		floors[fracs[i].idx]++
	}

	for i, b := range blocks {
		out[b.Name] = floors[i]
	}
	return applyWaiterFloor(out, blocks)
}

// applyWaiterFloor enforces invariant 5 (target >= 1 whenever a block has
// a waiter) by lifting any under-allocated hungry block to 1, taking the
// unit back from the non-hungry block with the largest current target,
// or, if there is none, from the hungry block with the largest target
// above 1 (a hungry block's only unit is never taken).
func applyWaiterFloor(out Allocation, blocks []BlockStats) Allocation {
	for _, b := range blocks {
		if b.Waiting > 0 && out[b.Name] < 1 {
			donor := pickDonor(out, blocks, b.Name)
			if donor != "" {
				out[donor]--
			}
			out[b.Name] = 1
		}
	}
	return out
}

func pickDonor(out Allocation, blocks []BlockStats, exclude string) string {
	var best, hungryBest string
	var bestTarget, hungryBestTarget int64 = -1, -1
	for _, b := range blocks {
		if b.Name == exclude {
			continue
		}
		if b.Waiting > 0 {
			// never take a hungry block's only unit
			if out[b.Name] > 1 && out[b.Name] > hungryBestTarget {
				hungryBestTarget = out[b.Name]
				hungryBest = b.Name
			}
			continue
		}
		if out[b.Name] > 0 && out[b.Name] > bestTarget {
			bestTarget = out[b.Name]
			best = b.Name
		}
	}
	if best == "" {
		return hungryBest
	}
	return best
}

// Victim describes one reassignment candidate: take a connection from
// From (preferring an Idle one) and give it to To, whose target exceeds
// its current allocation.
type Victim struct {
	From string
	To   string
}

// PickVictims compares each block's current in-use count against its new
// target and proposes one reassignment per unit of mismatch per tick
// (a donor/recipient pair gets as many as the smaller of the donor's
// excess and the recipient's deficit), per spec.md §4.6 step 3/4: never
// take from a block with any waiter, prefer the most overfull donor for
// the hungriest recipient.
func PickVictims(blocks []BlockStats, targets Allocation) []Victim {
	type delta struct {
		name   string
		over   int64 // inUse - target, positive means overfull
		waitng int64
	}
	deltas := make([]delta, len(blocks))
	for i, b := range blocks {
		deltas[i] = delta{name: b.Name, over: b.inUse() - targets[b.Name], waitng: b.Waiting}
	}

	var donors, recipients []delta
	for _, d := range deltas {
		switch {
		case d.over > 0 && d.waitng == 0:
			donors = append(donors, d)
		case d.over < 0:
			recipients = append(recipients, d)
		}
	}

	sort.Slice(donors, func(i, j int) bool { return donors[i].over > donors[j].over })
	sort.Slice(recipients, func(i, j int) bool { return recipients[i].over < recipients[j].over }) // most negative (hungriest) first

	var victims []Victim
	di, ri := 0, 0
	for di < len(donors) && ri < len(recipients) {
		victims = append(victims, Victim{From: donors[di].name, To: recipients[ri].name})
		donors[di].over--
		recipients[ri].over++
		if donors[di].over <= 0 {
			di++
		}
		if recipients[ri].over >= 0 {
			ri++
		}
	}
	return victims
}
