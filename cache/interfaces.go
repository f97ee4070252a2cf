// Package cache provides the tiered audio cache: key derivation, the edge
// tier and the orchestrator that probes edge, object store and blob storage
// in order.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMiss is returned by a Tier when the key is not stored there
	ErrMiss = errors.New("cache miss")
)

// TierName identifies where an audio entry was served from
type TierName string

const (
	TierEdge        TierName = "edge"
	TierObjectStore TierName = "object-store"
	TierBlob        TierName = "blob"
	TierMiss        TierName = "miss"
)

// Strategy controls how aggressively an entry is promoted between tiers
type Strategy string

const (
	StrategyEager    Strategy = "eager"
	StrategyStandard Strategy = "standard"
	StrategyMinimal  Strategy = "minimal"
)

// Metadata describes a stored audio entry
type Metadata struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Size      int       `json:"size"`
	Prewarmed bool      `json:"prewarmed,omitempty"`
}

// Entry is an audio payload together with the tier it came from
type Entry struct {
	Key      Key
	Audio    []byte
	Metadata Metadata
	Tier     TierName
}

// Reader fetches audio from a single tier
type Reader interface {
	// Get returns the stored audio or ErrMiss when the key is absent
	Get(ctx context.Context, key Key) ([]byte, error)
}

// Writer stores audio into a single tier
type Writer interface {
	Put(ctx context.Context, key Key, audio []byte, meta Metadata) error
}

// Tier is one storage level of the audio cache
type Tier interface {
	Reader
	Writer
	Name() TierName
}

// UnavailableError wraps a tier failure that is not a plain miss.
// Callers treat it as a miss for that tier.
type UnavailableError struct {
	Tier TierName
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s tier unavailable: %v", e.Tier, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
