// Package artifact implements the content-addressed, append-only store for
// design snapshots and witness traces.
//
// Entries are keyed by the SHA-256 of their content. Writing content that is
// already present is a no-op, so concurrent writers never corrupt each other
// and a partially failed campaign can be re-run against the same store.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Kind distinguishes snapshots from traces.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindTrace    Kind = "trace"
)

var (
	// ErrNotFound indicates no artifact exists for the requested id.
	ErrNotFound = errors.New("artifact not found")

	// ErrKindMismatch indicates an artifact exists but has a different kind.
	ErrKindMismatch = errors.New("artifact kind mismatch")

	// ErrCorrupted indicates stored bytes no longer hash to their id.
	ErrCorrupted = errors.New("artifact corrupted: content hash mismatch")
)

// Artifact is one immutable store entry. StructuralHash is the snapshot's own
// structural hash for snapshots and the producing snapshot's structural hash
// for traces. Payload is opaque to the store.
type Artifact struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	StructuralHash string    `json:"structural_hash"`
	StateHash      string    `json:"state_hash,omitempty"`
	Payload        []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary describes an artifact without its payload.
type Summary struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	StructuralHash string    `json:"structural_hash"`
	StateHash      string    `json:"state_hash,omitempty"`
	Size           int       `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats summarizes store contents.
type Stats struct {
	Snapshots   int `json:"snapshots"`
	Traces      int `json:"traces"`
	Derivations int `json:"derivations"`
	Bytes       int `json:"bytes"`
}

// Total returns the number of artifacts.
func (s Stats) Total() int { return s.Snapshots + s.Traces }

// Store is the artifact store contract shared by the SQLite and in-memory
// backends.
type Store interface {
	// Put writes a, computing its id from content. created is false when an
	// identical artifact already existed.
	Put(ctx context.Context, a *Artifact) (id string, created bool, err error)
	Get(ctx context.Context, id string) (*Artifact, error)
	Has(ctx context.Context, id string) (bool, error)
	// List returns summaries of one kind, or all kinds when kind is empty,
	// oldest first.
	List(ctx context.Context, kind Kind) ([]Summary, error)
	Stats(ctx context.Context) (Stats, error)

	// RecordDerivation records that replaying traceID onto parentID produced
	// childID. The first record for a (parent, trace) pair wins and its child
	// is returned.
	RecordDerivation(ctx context.Context, parentID, traceID, childID string) (string, error)
	// Derivation looks up the child previously derived from (parent, trace).
	Derivation(ctx context.Context, parentID, traceID string) (string, bool, error)

	Close() error
}

// ContentID returns the content hash identifying an artifact.
func ContentID(kind Kind, structuralHash, stateHash string, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", kind, structuralHash, stateHash)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Short abbreviates an id or hash for display.
func Short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func validate(a *Artifact) error {
	switch a.Kind {
	case KindSnapshot, KindTrace:
	default:
		return fmt.Errorf("invalid artifact kind %q", a.Kind)
	}
	if a.StructuralHash == "" {
		return fmt.Errorf("%s artifact without structural hash", a.Kind)
	}
	if a.Kind == KindTrace && a.StateHash != "" {
		return fmt.Errorf("trace artifact must not carry a state hash")
	}
	return nil
}

// GetKind fetches id and checks its kind.
func GetKind(ctx context.Context, s Store, id string, kind Kind) (*Artifact, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, want %s", ErrKindMismatch, Short(id), a.Kind, kind)
	}
	return a, nil
}

var (
	storeWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecheck_store_writes_total",
		Help: "Artifact writes by kind and result (created or dedup)",
	}, []string{"kind", "result"})

	storeBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagecheck_store_bytes_total",
		Help: "Payload bytes newly written to the artifact store",
	}, []string{"kind"})
)

func observePut(kind Kind, size int, created bool) {
	result := "dedup"
	if created {
		result = "created"
		storeBytesTotal.WithLabelValues(string(kind)).Add(float64(size))
	}
	storeWritesTotal.WithLabelValues(string(kind), result).Inc()
}
