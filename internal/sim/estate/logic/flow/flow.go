// Package flow computes one tick of the estate resource ledger.
//
// Compute is pure: it reads the instances in evaluation order plus the
// previous stock and returns a fresh ledger and starvation set. Nothing it
// returns is authoritative except Stock for stock-mode kinds.
package flow

import (
	"math"
	"sort"
)

type Mode string

const (
	// ModeFlow kinds are renewed every tick: capacity = base + storage + production.
	ModeFlow Mode = "flow"
	// ModeStock kinds accumulate: capacity = base + storage, and the stock
	// carries over between ticks clamped to [0, capacity].
	ModeStock Mode = "stock"
)

// Resource describes how one kind is accounted. Kinds missing from the
// resource list are treated as gated flow kinds with zero base capacity.
type Resource struct {
	Kind         string
	Mode         Mode
	BaseCapacity float64
	// Ungated kinds are tallied into Used but never starve an instance.
	Ungated bool
}

// Unit is one structure instance as seen by the simulator.
type Unit struct {
	ID          string
	Production  map[string]float64
	Consumption map[string]float64
	Storage     map[string]float64
}

type Line struct {
	Capacity float64 `json:"capacity"`
	Used     float64 `json:"used"`
	Produced float64 `json:"produced"`
	Limit    float64 `json:"limit"`
	Stock    float64 `json:"stock,omitempty"`
}

type Ledger map[string]Line

type StarvationSet map[string]struct{}

func (s StarvationSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s StarvationSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Kinds returns the ledger's kinds in lexical order.
func (l Ledger) Kinds() []string {
	out := make([]string, 0, len(l))
	for k := range l {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stock extracts the persistent part of the ledger.
func (l Ledger) Stock(resources []Resource) map[string]float64 {
	out := map[string]float64{}
	for _, r := range resources {
		if r.Mode != ModeStock {
			continue
		}
		out[r.Kind] = l[r.Kind].Stock
	}
	return out
}

// Compute runs the capacity and allocation passes over units in the given
// order. A starved unit withholds its own production and storage for the
// tick; capacity is then recomputed without it and allocation rerun, until
// the starved set stops growing. The set only grows, so the loop runs at most
// len(units)+1 times.
func Compute(units []Unit, prevStock map[string]float64, resources []Resource) (Ledger, StarvationSet) {
	byKind := make(map[string]Resource, len(resources))
	for _, r := range resources {
		byKind[r.Kind] = r
	}
	starved := StarvationSet{}

	for {
		capacity, produced := capacityPass(units, starved, byKind)
		limit := make(map[string]float64, len(capacity))
		for k, c := range capacity {
			limit[k] = c
			if byKind[k].Mode == ModeStock {
				limit[k] = prevStock[k] + produced[k]
			}
		}
		for _, r := range resources {
			if r.Mode == ModeStock {
				if _, ok := limit[r.Kind]; !ok {
					limit[r.Kind] = prevStock[r.Kind]
				}
			}
		}

		used, newlyStarved := allocationPass(units, starved, limit, byKind)
		if len(newlyStarved) == 0 {
			return buildLedger(resources, capacity, produced, used, limit, prevStock), starved
		}
		for _, id := range newlyStarved {
			starved[id] = struct{}{}
		}
	}
}

func capacityPass(units []Unit, starved StarvationSet, byKind map[string]Resource) (capacity, produced map[string]float64) {
	capacity = map[string]float64{}
	produced = map[string]float64{}
	for k, r := range byKind {
		capacity[k] = r.BaseCapacity
	}
	for _, u := range units {
		if starved.Has(u.ID) {
			continue
		}
		for k, v := range u.Storage {
			capacity[k] += v
		}
		for k, v := range u.Production {
			produced[k] += v
			if byKind[k].Mode != ModeStock {
				capacity[k] += v
			}
		}
	}
	return capacity, produced
}

func allocationPass(units []Unit, starved StarvationSet, limit map[string]float64, byKind map[string]Resource) (map[string]float64, []string) {
	used := map[string]float64{}
	var newlyStarved []string
	for _, u := range units {
		if starved.Has(u.ID) {
			continue
		}
		ok := true
		for k, req := range u.Consumption {
			if req <= 0 || byKind[k].Ungated {
				continue
			}
			if used[k]+req > limit[k] {
				ok = false
				break
			}
		}
		if !ok {
			newlyStarved = append(newlyStarved, u.ID)
			continue
		}
		for k, req := range u.Consumption {
			if req > 0 {
				used[k] += req
			}
		}
	}
	return used, newlyStarved
}

func buildLedger(resources []Resource, capacity, produced, used, limit, prevStock map[string]float64) Ledger {
	out := Ledger{}
	touch := func(k string) {
		if _, ok := out[k]; !ok {
			out[k] = Line{}
		}
	}
	for _, r := range resources {
		touch(r.Kind)
	}
	for k := range capacity {
		touch(k)
	}
	for k := range used {
		touch(k)
	}
	for k := range produced {
		touch(k)
	}
	stockKinds := map[string]bool{}
	for _, r := range resources {
		if r.Mode == ModeStock {
			stockKinds[r.Kind] = true
		}
	}
	for k := range out {
		line := Line{
			Capacity: capacity[k],
			Used:     used[k],
			Produced: produced[k],
			Limit:    limit[k],
		}
		if stockKinds[k] {
			line.Stock = Clamp(prevStock[k]+produced[k]-used[k], 0, capacity[k])
		}
		out[k] = line
	}
	return out
}

func Clamp(v, lo, hi float64) float64 {
	if hi < lo {
		hi = lo
	}
	return math.Min(hi, math.Max(lo, v))
}

// Runway is floor(value / (population * perCapita)). It reports ok=false
// when the denominator is not positive, meaning the runway is unbounded.
func Runway(value float64, population int, perCapita float64) (days int64, ok bool) {
	den := float64(population) * perCapita
	if den <= 0 {
		return 0, false
	}
	if value <= 0 {
		return 0, true
	}
	return int64(math.Floor(value / den)), true
}

// LoadRatio is used/capacity, or 0 when there is no capacity.
// Over-subscribed ungated kinds can exceed 1.
func LoadRatio(l Line) float64 {
	if l.Capacity <= 0 {
		return 0
	}
	return l.Used / l.Capacity
}
