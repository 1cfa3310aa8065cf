package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/testforge/autopilot/internal/domain"
)

// ReportIndexEntry is the queryable summary row of a saved report. The full
// report body stays on disk or in object storage.
type ReportIndexEntry struct {
	ID          string    `db:"id" json:"id"`
	ProjectID   string    `db:"project_id" json:"projectId"`
	ProjectName string    `db:"project_name" json:"projectName"`
	Status      string    `db:"status" json:"status"`
	TotalTests  int       `db:"total_tests" json:"totalTests"`
	Passed      int       `db:"passed" json:"passed"`
	Failed      int       `db:"failed" json:"failed"`
	Skipped     int       `db:"skipped" json:"skipped"`
	PassRate    float64   `db:"pass_rate" json:"passRate"`
	ExecutedAt  time.Time `db:"executed_at" json:"executedAt"`
	CompletedAt time.Time `db:"completed_at" json:"completedAt"`
}

// ReportIndexRepository indexes saved reports for cross-run queries.
type ReportIndexRepository struct {
	db *sqlx.DB
}

// NewReportIndexRepository creates a new report index repository.
func NewReportIndexRepository(db *sqlx.DB) *ReportIndexRepository {
	return &ReportIndexRepository{db: db}
}

// Index upserts one report's summary row.
func (r *ReportIndexRepository) Index(ctx context.Context, report *domain.Report) error {
	query := `
		INSERT INTO report_index
			(id, project_id, project_name, status, total_tests, passed, failed, skipped, pass_rate, executed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			total_tests = EXCLUDED.total_tests,
			passed = EXCLUDED.passed,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			pass_rate = EXCLUDED.pass_rate,
			completed_at = EXCLUDED.completed_at
	`
	_, err := r.db.ExecContext(ctx, query,
		report.ID, report.ProjectID, report.ProjectName, report.Status,
		report.TotalTests, report.Passed, report.Failed, report.Skipped,
		report.PassRate, report.ExecutedAt, report.CompletedAt)
	return err
}

// GetByID retrieves one summary row.
func (r *ReportIndexRepository) GetByID(ctx context.Context, id string) (*ReportIndexEntry, error) {
	query := `
		SELECT id, project_id, project_name, status, total_tests, passed, failed, skipped, pass_rate, executed_at, completed_at
		FROM report_index WHERE id = $1
	`
	var entry ReportIndexEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("report", id)
		}
		return nil, err
	}
	return &entry, nil
}

// ListByProject returns a project's report summaries, newest first.
func (r *ReportIndexRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]ReportIndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, project_id, project_name, status, total_tests, passed, failed, skipped, pass_rate, executed_at, completed_at
		FROM report_index WHERE project_id = $1 ORDER BY executed_at DESC LIMIT $2
	`
	var entries []ReportIndexEntry
	if err := r.db.SelectContext(ctx, &entries, query, projectID, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListRecent returns the most recent summaries across all projects.
func (r *ReportIndexRepository) ListRecent(ctx context.Context, limit int) ([]ReportIndexEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, project_id, project_name, status, total_tests, passed, failed, skipped, pass_rate, executed_at, completed_at
		FROM report_index ORDER BY executed_at DESC LIMIT $1
	`
	var entries []ReportIndexEntry
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

// PassRateTrend returns per-day pass rates for a project over the last n days.
func (r *ReportIndexRepository) PassRateTrend(ctx context.Context, projectID string, days int) (map[string]float64, error) {
	if days <= 0 {
		days = 30
	}
	query := `
		SELECT to_char(executed_at, 'YYYY-MM-DD') AS day, avg(pass_rate) AS rate
		FROM report_index
		WHERE project_id = $1 AND executed_at >= now() - ($2 || ' days')::interval
		GROUP BY day ORDER BY day
	`
	rows, err := r.db.QueryxContext(ctx, query, projectID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trend := make(map[string]float64)
	for rows.Next() {
		var day string
		var rate float64
		if err := rows.Scan(&day, &rate); err != nil {
			return nil, err
		}
		trend[day] = rate
	}
	return trend, rows.Err()
}
