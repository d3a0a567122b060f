package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ArtifactStore holds raw evidence artifacts behind opaque references.
// Real object storage implements this externally; the implementations
// here cover tests and single-node deployments.
type ArtifactStore interface {
	// Put stores content for the given run and evidence id, returning
	// the opaque reference recorded on the evidence item.
	Put(ctx context.Context, runID, evidenceID string, content []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// MemoryArtifactStore keeps artifacts in process memory.
type MemoryArtifactStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryArtifactStore creates an empty in-memory artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

func (s *MemoryArtifactStore) Put(_ context.Context, runID, evidenceID string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "mem://" + runID + "/" + evidenceID
	cp := make([]byte, len(content))
	copy(cp, content)
	s.blobs[ref] = cp
	return ref, nil
}

func (s *MemoryArtifactStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("artifact %s not found", ref)
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

// Tamper overwrites a stored artifact, for integrity tests only.
func (s *MemoryArtifactStore) Tamper(ref string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = content
}

// FileArtifactStore lays artifacts out under root/<run>/<evidence>.json.
type FileArtifactStore struct {
	root string
}

// NewFileArtifactStore creates the root directory if needed.
func NewFileArtifactStore(root string) (*FileArtifactStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileArtifactStore{root: root}, nil
}

func (s *FileArtifactStore) Put(_ context.Context, runID, evidenceID string, content []byte) (string, error) {
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ref := filepath.Join(runID, evidenceID+".json")
	if err := os.WriteFile(filepath.Join(s.root, ref), content, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *FileArtifactStore) Get(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, ref))
}
