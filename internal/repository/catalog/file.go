// Package catalog is the file-backed project catalog: the same enumeration
// surface as the postgres catalog, persisted as one JSON file under the data
// directory. It covers single-node deployments that run without a database.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
)

type entry struct {
	Project   domain.Project          `json:"project"`
	Features  []domain.Feature        `json:"features"`
	TestCases []domain.ActionTestCase `json:"testCases"`
}

// FileStore keeps the catalog in memory and mirrors every mutation to disk.
type FileStore struct {
	logger *zap.Logger
	path   string

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID
}

// NewFileStore loads the catalog file if present. A missing file is an empty
// catalog; a corrupt file is an error so bad data never silently vanishes.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{
		logger:  logger,
		path:    path,
		entries: make(map[uuid.UUID]*entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, domain.NewPersistenceError(path, err)
	}
	var stored []*entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, domain.NewPersistenceError(path, err)
	}
	for _, e := range stored {
		s.entries[e.Project.ID] = e
		s.order = append(s.order, e.Project.ID)
	}
	logger.Info("catalog loaded", zap.Int("projects", len(stored)))
	return s, nil
}

// ListProjects returns all projects in insertion order.
func (s *FileStore) ListProjects(context.Context) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Project, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].Project)
	}
	return out, nil
}

// ListFeatures returns a project's features.
func (s *FileStore) ListFeatures(_ context.Context, projectID uuid.UUID) ([]domain.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[projectID]
	if !ok {
		return nil, domain.NewNotFoundError("project", projectID.String())
	}
	return append([]domain.Feature(nil), e.Features...), nil
}

// ListTestCases returns a project's action test cases.
func (s *FileStore) ListTestCases(_ context.Context, projectID uuid.UUID) ([]domain.ActionTestCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[projectID]
	if !ok {
		return nil, domain.NewNotFoundError("project", projectID.String())
	}
	return append([]domain.ActionTestCase(nil), e.TestCases...), nil
}

// AddProject registers a project.
func (s *FileStore) AddProject(p domain.Project) (domain.Project, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Project.Name == p.Name {
			return domain.Project{}, domain.NewConflictError("project " + p.Name + " already exists")
		}
	}
	s.entries[p.ID] = &entry{Project: p}
	s.order = append(s.order, p.ID)
	return p, s.saveLocked()
}

// AddFeature attaches a feature to its project.
func (s *FileStore) AddFeature(f domain.Feature) (domain.Feature, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	for i := range f.Scenarios {
		if f.Scenarios[i].ID == uuid.Nil {
			f.Scenarios[i].ID = uuid.New()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[f.ProjectID]
	if !ok {
		return domain.Feature{}, domain.NewNotFoundError("project", f.ProjectID.String())
	}
	e.Features = append(e.Features, f)
	return f, s.saveLocked()
}

// AddTestCase attaches an action test case to its project.
func (s *FileStore) AddTestCase(tc domain.ActionTestCase) (domain.ActionTestCase, error) {
	if tc.ID == uuid.Nil {
		tc.ID = uuid.New()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tc.ProjectID]
	if !ok {
		return domain.ActionTestCase{}, domain.NewNotFoundError("project", tc.ProjectID.String())
	}
	e.TestCases = append(e.TestCases, tc)
	return tc, s.saveLocked()
}

// RemoveProject drops a project and everything under it.
func (s *FileStore) RemoveProject(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return domain.NewNotFoundError("project", id.String())
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.saveLocked()
}

func (s *FileStore) saveLocked() error {
	stored := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		stored = append(stored, s.entries[id])
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return domain.NewPersistenceError(s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.NewPersistenceError(s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return domain.NewPersistenceError(s.path, err)
	}
	return nil
}
