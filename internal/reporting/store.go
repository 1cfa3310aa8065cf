// Package reporting converts finished runs into the stable report contract,
// persists them under the data directory, and optionally archives them to
// object storage.
package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
)

// Archiver uploads report artifacts to object storage. Satisfied by
// storage.MinIOClient; nil disables archival.
type Archiver interface {
	UploadJSON(ctx context.Context, key string, data []byte) (string, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Store persists execution reports as JSON files, one per report ID.
type Store struct {
	logger  *zap.Logger
	dir     string
	archive Archiver
}

// NewStore builds the report store. The directory is created on first save.
func NewStore(dir string, archive Archiver, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logger: logger, dir: dir, archive: archive}
}

// FromExecution maps the executor's run report onto the stable report
// contract. Durations convert from milliseconds to seconds.
func FromExecution(rep *executor.UnifiedExecutionReport) *domain.Report {
	out := &domain.Report{
		ID:                  rep.ID,
		ProjectID:           rep.ProjectID,
		ProjectName:         rep.ProjectName,
		ExecutedAt:          rep.ExecutedAt,
		CompletedAt:         rep.CompletedAt,
		Status:              reportStatus(rep),
		TotalTests:          rep.TotalTests,
		Passed:              rep.Passed,
		Failed:              rep.Failed,
		Skipped:             rep.Skipped,
		Duration:            float64(rep.Duration) / 1000,
		Results:             make([]domain.TestResult, 0, len(rep.Results)),
		Format:              rep.Format,
		ExecutionMode:       rep.ExecutionMode,
		PassRate:            rep.PassRate,
		TotalAICalls:        int(rep.TotalAICalls),
		TotalKBHits:         int(rep.TotalKBHits),
		AIDependencyPercent: rep.AIDependencyPercent,
		NewSelectorsLearned: rep.NewSelectorsLearned,
		Errors:              rep.Errors,
		Partial:             rep.Partial,
		StoppedByUser:       rep.StoppedByUser,
	}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	for _, r := range rep.Results {
		out.Results = append(out.Results, domain.TestResult{
			TestCaseID:     r.TestCaseID,
			TestCaseName:   r.TestCaseName,
			Status:         string(r.Status),
			Duration:       float64(r.Duration) / 1000,
			ErrorMessage:   r.ErrorMessage,
			ScreenshotPath: r.ScreenshotPath,
			Logs:           r.Logs,
		})
	}
	return out
}

func reportStatus(rep *executor.UnifiedExecutionReport) string {
	if rep.StoppedByUser {
		return domain.ReportStatusStopped
	}
	switch rep.Status {
	case domain.StatusPassed:
		return domain.ReportStatusPassed
	case domain.StatusPartial:
		return domain.ReportStatusStopped
	default:
		return domain.ReportStatusFailed
	}
}

// Save writes the report atomically and archives it when an archiver is
// configured. Archival failure never fails the save.
func (s *Store) Save(ctx context.Context, report *domain.Report) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return domain.NewPersistenceError(s.dir, err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report %s: %w", report.ID, err)
	}

	path := s.path(report.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewPersistenceError(path, err)
	}
	s.logger.Info("report saved",
		zap.String("report_id", report.ID),
		zap.String("status", report.Status),
		zap.Float64("pass_rate", report.PassRate))

	if s.archive != nil {
		if uri, err := s.archive.UploadJSON(ctx, "reports/"+report.ID+".json", data); err != nil {
			s.logger.Warn("report archival failed", zap.String("report_id", report.ID), zap.Error(err))
		} else {
			s.logger.Debug("report archived", zap.String("uri", uri))
		}
		s.archiveScreenshots(ctx, report)
	}
	return nil
}

// archiveScreenshots uploads failure screenshots referenced by the report.
func (s *Store) archiveScreenshots(ctx context.Context, report *domain.Report) {
	for _, r := range report.Results {
		if r.ScreenshotPath == "" {
			continue
		}
		data, err := os.ReadFile(r.ScreenshotPath)
		if err != nil {
			continue
		}
		key := "screenshots/" + report.ID + "/" + filepath.Base(r.ScreenshotPath)
		if _, err := s.archive.Upload(ctx, key, data, "image/png"); err != nil {
			s.logger.Warn("screenshot archival failed", zap.String("path", r.ScreenshotPath), zap.Error(err))
		}
	}
}

// SaveExecution converts and saves in one call.
func (s *Store) SaveExecution(ctx context.Context, rep *executor.UnifiedExecutionReport) (*domain.Report, error) {
	report := FromExecution(rep)
	if err := s.Save(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// Load reads one report by ID.
func (s *Store) Load(id string) (*domain.Report, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("report %s not found", id)
		}
		return nil, domain.NewPersistenceError(s.path(id), err)
	}
	var report domain.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", id, err)
	}
	return &report, nil
}

// Summary is the list-view shape of a saved report.
type Summary struct {
	ID          string  `json:"id"`
	ProjectName string  `json:"projectName"`
	Status      string  `json:"status"`
	TotalTests  int     `json:"totalTests"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	PassRate    float64 `json:"passRate"`
	ExecutedAt  string  `json:"executedAt"`
}

// List returns saved report summaries, newest first.
func (s *Store) List(limit int) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, domain.NewPersistenceError(s.dir, err)
	}
	if limit <= 0 {
		limit = 50
	}

	reports := make([]*domain.Report, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable report", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ExecutedAt.After(reports[j].ExecutedAt)
	})

	out := make([]Summary, 0, limit)
	for _, r := range reports {
		if len(out) == limit {
			break
		}
		out = append(out, Summary{
			ID:          r.ID,
			ProjectName: r.ProjectName,
			Status:      r.Status,
			TotalTests:  r.TotalTests,
			Passed:      r.Passed,
			Failed:      r.Failed,
			PassRate:    r.PassRate,
			ExecutedAt:  r.ExecutedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
