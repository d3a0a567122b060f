// Package ledger records the consequence of every authorized execution as
// an append-only, hash-chained evidence trail. Each run forms its own
// strict chain: every item's PriorHash is the ContentHash of the item
// created immediately before it, empty only for the first. Nothing here
// updates or deletes; integrity is re-checkable at any time via
// VerifyChain.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/operantsec/warden/pkg/audit"
	"github.com/operantsec/warden/pkg/canonicalize"
	"github.com/operantsec/warden/pkg/contracts"
	"github.com/operantsec/warden/pkg/fsm"
)

// EvidenceStore persists evidence records in creation order. Insert-only;
// the interface deliberately has no update or delete.
type EvidenceStore interface {
	AppendEvidence(ctx context.Context, e *contracts.Evidence) error
	// LastEvidence returns the most recently created item for the run,
	// or nil when the run has none.
	LastEvidence(ctx context.Context, runID string) (*contracts.Evidence, error)
	// ListEvidence returns the run's items in creation order.
	ListEvidence(ctx context.Context, runID string) ([]*contracts.Evidence, error)
}

// Ledger appends and verifies evidence chains.
type Ledger struct {
	store     EvidenceStore
	artifacts ArtifactStore
	runs      *fsm.RunMachine
	trail     audit.Trail
	clock     func() time.Time

	// mu guards runLocks; appends for one run serialize on its own lock
	// so the read-last-then-insert pair stays atomic per run.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// New wires an evidence ledger. The run machine may be nil when callers
// enforce run liveness themselves.
func New(store EvidenceStore, artifacts ArtifactStore, runs *fsm.RunMachine, trail audit.Trail) *Ledger {
	return &Ledger{
		store:     store,
		artifacts: artifacts,
		runs:      runs,
		trail:     trail,
		clock:     time.Now,
		runLocks:  make(map[string]*sync.Mutex),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

func (l *Ledger) lockFor(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		l.runLocks[runID] = lock
	}
	return lock
}

// Append records one execution result as evidence: stores the canonical
// artifact, links the item to the run's current chain head, persists, and
// audits. Exactly one evidence item per completed execution.
func (l *Ledger) Append(ctx context.Context, runID string, result *contracts.ExecutionResult,
	actorType contracts.ActorType, actorID string) (*contracts.Evidence, error) {

	if l.runs != nil {
		if err := l.runs.RequireRunning(ctx, runID); err != nil {
			return nil, err
		}
	}

	content, err := canonicalize.Canonical(result)
	if err != nil {
		return nil, fmt.Errorf("canonicalize result: %w", err)
	}
	contentHash := canonicalize.HashBytes(content)

	lock := l.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	prior, err := l.store.LastEvidence(ctx, runID)
	if err != nil {
		return nil, err
	}
	priorHash := ""
	if prior != nil {
		priorHash = prior.ContentHash
	}

	id := uuid.New().String()
	ref, err := l.artifacts.Put(ctx, runID, id, content)
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	e := &contracts.Evidence{
		ID:          id,
		RunID:       runID,
		ActionID:    result.ActionID,
		ContentHash: contentHash,
		PriorHash:   priorHash,
		ArtifactRef: ref,
		ActorType:   actorType,
		ActorID:     actorID,
		CreatedAt:   l.clock().UTC(),
	}
	if err := l.store.AppendEvidence(ctx, e); err != nil {
		return nil, err
	}

	_ = l.trail.Record(ctx, audit.EventEvidenceAppended, actorType, actorID,
		"EVIDENCE", e.ID, map[string]any{
			"run_id":       runID,
			"action_id":    result.ActionID,
			"content_hash": contentHash,
			"prior_hash":   priorHash,
		})
	return e, nil
}

// ChainReport is the outcome of verifying one run's evidence chain.
type ChainReport struct {
	RunID string `json:"run_id"`
	Valid bool   `json:"valid"`
	Items int    `json:"items"`
	// The fields below are set only when Valid is false.
	OffendingID    string `json:"offending_id,omitempty"`
	OffendingIndex int    `json:"offending_index,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Err returns the chain violation behind an invalid report, nil otherwise.
func (r *ChainReport) Err() error {
	if r.Valid {
		return nil
	}
	return contracts.NewViolation(contracts.ChainIntegrityViolation,
		"evidence chain for run %s invalid at item %d (%s): %s",
		r.RunID, r.OffendingIndex, r.OffendingID, r.Reason)
}

// VerifyChain walks the run's evidence in creation order and checks both
// properties independently: the PriorHash linkage, and each item's stored
// artifact re-hashing to its ContentHash. The report points at the first
// offending item and says which property failed; a tampered artifact does
// not report a linkage break when the linkage itself is intact.
func (l *Ledger) VerifyChain(ctx context.Context, runID string) (*ChainReport, error) {
	items, err := l.store.ListEvidence(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{RunID: runID, Valid: true, Items: len(items)}
	priorHash := ""
	for i, e := range items {
		if e.PriorHash != priorHash {
			report.Valid = false
			report.OffendingID = e.ID
			report.OffendingIndex = i
			if i == 0 {
				report.Reason = "first item must have an empty prior hash"
			} else {
				report.Reason = fmt.Sprintf("chain break: prior hash %q does not match predecessor content hash %q",
					e.PriorHash, priorHash)
			}
			return report, nil
		}

		content, err := l.artifacts.Get(ctx, e.ArtifactRef)
		if err != nil {
			return nil, fmt.Errorf("fetch artifact %s: %w", e.ArtifactRef, err)
		}
		if got := canonicalize.HashBytes(content); got != e.ContentHash {
			report.Valid = false
			report.OffendingID = e.ID
			report.OffendingIndex = i
			report.Reason = fmt.Sprintf("content mismatch: stored artifact hashes to %q, recorded %q",
				got, e.ContentHash)
			return report, nil
		}
		priorHash = e.ContentHash
	}
	return report, nil
}
