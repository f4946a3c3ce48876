package buffer

import (
	"fmt"
	"sync"

	"github.com/durastore/durastore/pkg/types"
)

// Pool defaults
const (
	DefaultReservedRatio = 0.10
	DefaultGCTrigger     = 0.80
)

// PoolConfig sizes a memory pool
type PoolConfig struct {
	// Available is the total byte budget
	Available int64 `yaml:"available"`

	// Reserved is headroom that is never handed out. When zero,
	// ReservedRatio of Available is used.
	Reserved      int64   `yaml:"reserved"`
	ReservedRatio float64 `yaml:"reserved_ratio"`

	// GCTrigger is the soft utilization threshold (0..1)
	GCTrigger float64 `yaml:"gc_trigger"`
}

// MemoryPool tracks a fixed byte budget. It knows nothing about entries,
// only byte counts: Used never exceeds Available-Reserved.
type MemoryPool struct {
	mu        sync.Mutex
	available int64
	reserved  int64
	used      int64
	gcTrigger float64
	denied    uint64
}

// NewMemoryPool creates a pool from config
func NewMemoryPool(config PoolConfig) (*MemoryPool, error) {
	if config.Available <= 0 {
		return nil, fmt.Errorf("pool budget must be positive, got %d", config.Available)
	}

	reserved := config.Reserved
	if reserved == 0 {
		ratio := config.ReservedRatio
		if ratio == 0 {
			ratio = DefaultReservedRatio
		}
		reserved = int64(float64(config.Available) * ratio)
	}
	if reserved < 0 || reserved >= config.Available {
		return nil, fmt.Errorf("reserved bytes %d must be in [0, %d)", reserved, config.Available)
	}

	trigger := config.GCTrigger
	if trigger == 0 {
		trigger = DefaultGCTrigger
	}
	if trigger < 0 || trigger > 1 {
		return nil, fmt.Errorf("gc trigger %.2f must be within [0, 1]", trigger)
	}

	return &MemoryPool{
		available: config.Available,
		reserved:  reserved,
		gcTrigger: trigger,
	}, nil
}

// Allocate claims size bytes. It fails closed: when the claim would push
// Used past Available-Reserved nothing changes and false is returned.
func (p *MemoryPool) Allocate(size int64) bool {
	if size < 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used+size > p.available-p.reserved {
		p.denied++
		return false
	}
	p.used += size
	return true
}

// Deallocate releases size bytes, flooring Used at zero
func (p *MemoryPool) Deallocate(size int64) {
	if size <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.used -= size
	if p.used < 0 {
		p.used = 0
	}
}

// Reset sets Used to an externally recomputed value, clamped to the
// usable range. The cache calls it after repacking its memory tier.
func (p *MemoryPool) Reset(used int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case used < 0:
		used = 0
	case used > p.available-p.reserved:
		used = p.available - p.reserved
	}
	p.used = used
}

// Used returns the allocated byte count
func (p *MemoryPool) Used() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Available returns the total budget
func (p *MemoryPool) Available() int64 {
	return p.available
}

// Usable returns the bytes that may ever be allocated
func (p *MemoryPool) Usable() int64 {
	return p.available - p.reserved
}

// Free returns the bytes that can still be allocated
func (p *MemoryPool) Free() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available - p.reserved - p.used
}

// Utilization returns used/available
func (p *MemoryPool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.used) / float64(p.available)
}

// AboveGCTrigger reports whether utilization reached the soft threshold
func (p *MemoryPool) AboveGCTrigger() bool {
	return p.Utilization() >= p.gcTrigger
}

// Stats returns a snapshot of the pool counters
func (p *MemoryPool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return types.PoolStats{
		Available:   p.available,
		Used:        p.used,
		Reserved:    p.reserved,
		Usable:      p.available - p.reserved,
		GCTrigger:   p.gcTrigger,
		Utilization: float64(p.used) / float64(p.available),
		Denied:      p.denied,
	}
}
