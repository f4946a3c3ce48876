package cache

import (
	"sort"
	"time"
)

// Candidate is the eviction engine's view of a memory-tier entry
type Candidate struct {
	Key          string
	Size         int64
	Priority     Priority
	AccessCount  uint64
	LastAccessed time.Time

	// Seq is insertion order; it breaks LastAccessed ties, oldest first
	Seq uint64
}

func candidateOf(e *Entry) Candidate {
	return Candidate{
		Key:          e.Key,
		Size:         e.Size,
		Priority:     e.Priority,
		AccessCount:  e.AccessCount,
		LastAccessed: e.LastAccessed,
		Seq:          e.seq,
	}
}

func older(a, b Candidate) bool {
	if !a.LastAccessed.Equal(b.LastAccessed) {
		return a.LastAccessed.Before(b.LastAccessed)
	}
	return a.Seq < b.Seq
}

// EvictionPolicy picks victims from candidates until need bytes are freed.
// It returns the victims in eviction order and the bytes they free.
type EvictionPolicy interface {
	Name() string
	Select(candidates []Candidate, need int64) ([]Candidate, int64)
}

// PriorityLRU evicts every non-critical entry in priority order, low
// first, oldest access first within a priority.
type PriorityLRU struct{}

// Name implements EvictionPolicy
func (PriorityLRU) Name() string { return "priority_lru" }

// Select implements EvictionPolicy
func (PriorityLRU) Select(candidates []Candidate, need int64) ([]Candidate, int64) {
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority != PriorityCritical {
			pool = append(pool, c)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Priority != pool[j].Priority {
			return pool[i].Priority < pool[j].Priority
		}
		return older(pool[i], pool[j])
	})
	return take(pool, need)
}

// Frequency evicts the least-accessed non-critical entries, oldest
// access breaking ties. In the default chain it only sees the deficit a
// custom first policy left behind.
type Frequency struct{}

// Name implements EvictionPolicy
func (Frequency) Name() string { return "frequency" }

// Select implements EvictionPolicy
func (Frequency) Select(candidates []Candidate, need int64) ([]Candidate, int64) {
	pool := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority != PriorityCritical {
			pool = append(pool, c)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].AccessCount != pool[j].AccessCount {
			return pool[i].AccessCount < pool[j].AccessCount
		}
		return older(pool[i], pool[j])
	})
	return take(pool, need)
}

func take(sorted []Candidate, need int64) ([]Candidate, int64) {
	var victims []Candidate
	var freed int64
	for _, c := range sorted {
		if freed >= need {
			break
		}
		victims = append(victims, c)
		freed += c.Size
	}
	return victims, freed
}

// Victim is a selected entry together with the policy that chose it
type Victim struct {
	Candidate
	Policy string
}

// Evictor runs its policies in order, each over the candidates the
// previous ones left, until the deficit is covered. Critical candidates
// are filtered out before any policy sees them.
type Evictor struct {
	policies []EvictionPolicy
}

// NewEvictor creates an evictor. Without policies it uses PriorityLRU
// followed by Frequency.
func NewEvictor(policies ...EvictionPolicy) *Evictor {
	if len(policies) == 0 {
		policies = []EvictionPolicy{PriorityLRU{}, Frequency{}}
	}
	return &Evictor{policies: policies}
}

// SelectVictims picks entries freeing at least need bytes. If every
// policy together cannot cover need, nothing is selected: evicting
// without making room would only lose entries.
func (ev *Evictor) SelectVictims(candidates []Candidate, need int64) []Victim {
	if need <= 0 {
		return nil
	}

	remaining := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Priority != PriorityCritical {
			remaining = append(remaining, c)
		}
	}

	var victims []Victim
	var freed int64
	for _, policy := range ev.policies {
		if freed >= need {
			break
		}
		chosen, n := policy.Select(remaining, need-freed)
		if len(chosen) == 0 {
			continue
		}
		freed += n

		picked := make(map[string]struct{}, len(chosen))
		for _, c := range chosen {
			picked[c.Key] = struct{}{}
			victims = append(victims, Victim{Candidate: c, Policy: policy.Name()})
		}
		kept := remaining[:0]
		for _, c := range remaining {
			if _, ok := picked[c.Key]; !ok {
				kept = append(kept, c)
			}
		}
		remaining = kept
	}

	if freed < need {
		return nil
	}
	return victims
}
