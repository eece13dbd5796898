// Package stores provides the persistence backends: a file-based store for
// deployment records and their summary index, and a SQLite audit trail of
// status transitions.
package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/provisio/provisio/pkg/engine"
)

const (
	recordFile = "record.json"
	indexFile  = "deployments.json"
)

// indexEntry is the on-disk shape of one summary in the index file.
type indexEntry struct {
	engine.Summary
}

// indexDocument is the on-disk shape of the summary index.
type indexDocument struct {
	Deployments map[string]indexEntry `json:"deployments"`
	Metadata    indexMetadata         `json:"metadata"`
}

type indexMetadata struct {
	Version     string `json:"version"`
	Description string `json:"description"`
}

// FileStore persists one record file per deployment plus a shared summary
// index, all under a single root directory. Record and index writes go
// through a temp file and rename, so concurrent readers never observe a
// partial document.
type FileStore struct {
	root string

	// hasState reports whether durable tool state exists for a deployment;
	// the index mirrors it. Nil means the flag is always false.
	hasState func(id string) bool

	// mu serializes index read-modify-write cycles.
	mu sync.Mutex
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string, hasState func(id string) bool) *FileStore {
	return &FileStore{root: dir, hasState: hasState}
}

// Save writes the full record and updates the index. It is idempotent; the
// index keeps the original created_at across repeated saves.
func (s *FileStore) Save(ctx context.Context, d *engine.Deployment) error {
	dir := filepath.Join(s.root, d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deployment record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, recordFile), data); err != nil {
		return fmt.Errorf("failed to write deployment record: %w", err)
	}

	return s.updateIndex(d)
}

func (s *FileStore) updateIndex(d *engine.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readIndex()
	if err != nil {
		return err
	}

	summary := engine.Summary{
		ID:               d.ID,
		Name:             d.Params.ResourceGroupBase,
		Status:           d.Status,
		CreatedAt:        d.CreatedAt,
		OutputsAvailable: len(d.Outputs) > 0,
		Region:           d.Params.Location,
		IncludeSearch:    d.Params.IncludeSearch,
		ResourceNames:    d.Names,
	}
	if s.hasState != nil {
		summary.HasState = s.hasState(d.ID)
	}
	// created_at is first-write-wins across saves.
	if prev, ok := doc.Deployments[d.ID]; ok && !prev.CreatedAt.IsZero() {
		summary.CreatedAt = prev.CreatedAt
	}
	doc.Deployments[d.ID] = indexEntry{Summary: summary}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.root, indexFile), data); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// readIndex loads the index document, returning a fresh one when the store
// has never been written.
func (s *FileStore) readIndex() (*indexDocument, error) {
	doc := &indexDocument{
		Deployments: map[string]indexEntry{},
		Metadata: indexMetadata{
			Version:     "1.0",
			Description: "Deployment summary index",
		},
	}

	data, err := os.ReadFile(filepath.Join(s.root, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	if doc.Deployments == nil {
		doc.Deployments = map[string]indexEntry{}
	}
	return doc, nil
}

// Load reads one deployment record.
func (s *FileStore) Load(ctx context.Context, id string) (*engine.Deployment, error) {
	data, err := os.ReadFile(filepath.Join(s.root, id, recordFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, engine.NewPermanentError("deployment record not found", err).
			WithCode(engine.ErrCodeNotFound).WithDeployment(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment record: %w", err)
	}

	var d engine.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment record: %w", err)
	}
	return &d, nil
}

// LoadAll reads every record named by the index, ordered by creation time.
// A missing store yields an empty result.
func (s *FileStore) LoadAll(ctx context.Context) ([]*engine.Deployment, error) {
	summaries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*engine.Deployment, 0, len(summaries))
	for _, summary := range summaries {
		d, err := s.Load(ctx, summary.ID)
		if err != nil {
			// An index entry without a record is skipped, not fatal.
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// List returns the index summaries ordered by creation time. A missing store
// yields an empty result.
func (s *FileStore) List(ctx context.Context) ([]engine.Summary, error) {
	s.mu.Lock()
	doc, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]engine.Summary, 0, len(doc.Deployments))
	for _, entry := range doc.Deployments {
		out = append(out, entry.Summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
