// Package memory wraps the graph store with the memory-lifecycle policy:
// TTL by memory type, exponential freshness decay, composite retrieval
// scoring and soft-forget semantics.
package memory

import (
	"math"
	"time"

	"membria/internal/types"
)

// Policy holds the lifecycle knobs.
type Policy struct {
	DefaultTTLDays  int
	HalfLifeDays    int
	AllowHardDelete bool
}

// DefaultPolicy matches the documented defaults.
func DefaultPolicy() Policy {
	return Policy{DefaultTTLDays: 365, HalfLifeDays: 180}
}

// TTLDays returns the retention window for a memory type: episodic 180d,
// semantic 365d, procedural 720d, default otherwise.
func (p Policy) TTLDays(mt types.MemoryType) int {
	switch mt {
	case types.MemoryEpisodic:
		return 180
	case types.MemorySemantic:
		return 365
	case types.MemoryProcedural:
		return 720
	default:
		if p.DefaultTTLDays > 0 {
			return p.DefaultTTLDays
		}
		return 365
	}
}

// Freshness is exp(-age/halflife), clamping to 0 once age reaches the TTL.
func (p Policy) Freshness(ageDays float64, ttlDays int) float64 {
	if ttlDays <= 0 {
		ttlDays = p.DefaultTTLDays
	}
	if ageDays >= float64(ttlDays) {
		return 0
	}
	half := float64(p.HalfLifeDays)
	if half <= 0 {
		half = 180
	}
	return math.Exp(-ageDays / half)
}

// ShouldForget reports whether a memory has outlived its TTL.
func (p Policy) ShouldForget(ageDays float64, ttlDays int) bool {
	if ttlDays <= 0 {
		ttlDays = p.DefaultTTLDays
	}
	return ageDays >= float64(ttlDays)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Score is the composite retrieval score:
// relevance * confidence * freshness * (0.5 + 0.5*impact), every factor
// clamped to [0,1].
func (p Policy) Score(relevance, confidence, freshness, impact float64) float64 {
	return clamp01(relevance) * clamp01(confidence) * clamp01(freshness) * (0.5 + 0.5*clamp01(impact))
}

// AgeDays measures age in fractional days from a reference time.
func AgeDays(createdAt, now time.Time) float64 {
	return now.Sub(createdAt).Hours() / 24
}
