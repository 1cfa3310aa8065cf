package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
)

type fakeArchiver struct {
	keys []string
}

func (a *fakeArchiver) UploadJSON(_ context.Context, key string, _ []byte) (string, error) {
	a.keys = append(a.keys, key)
	return "s3://bucket/" + key, nil
}

func (a *fakeArchiver) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	a.keys = append(a.keys, key)
	return "s3://bucket/" + key, nil
}

func sampleExecution() *executor.UnifiedExecutionReport {
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return &executor.UnifiedExecutionReport{
		ID:          "run-1",
		ProjectName: "webshop",
		ExecutedAt:  start,
		CompletedAt: start.Add(90 * time.Second),
		Status:      domain.StatusFailed,
		TotalTests:  2, Passed: 1, Failed: 1,
		Duration: 90000,
		Results: []executor.UnifiedTestResult{
			{TestCaseID: "t1", TestCaseName: "login works", Status: domain.StatusPassed, Duration: 30000, Logs: []string{"step 1 ok"}},
			{TestCaseID: "t2", TestCaseName: "checkout", Status: domain.StatusFailed, Duration: 60000,
				ErrorMessage: "element not found: #pay", ScreenshotPath: "/tmp/absent.png"},
		},
		Format:        domain.FormatBehaviorDriven,
		ExecutionMode: domain.ModeAutonomous,
		PassRate:      50,
	}
}

func TestFromExecutionConvertsDurationsToSeconds(t *testing.T) {
	report := FromExecution(sampleExecution())

	assert.Equal(t, domain.ReportStatusFailed, report.Status)
	assert.Equal(t, 90.0, report.Duration)
	require.Len(t, report.Results, 2)
	assert.Equal(t, 30.0, report.Results[0].Duration)
	assert.Equal(t, "passed", report.Results[0].Status)
	assert.Equal(t, "element not found: #pay", report.Results[1].ErrorMessage)
	assert.NotNil(t, report.Errors)
}

func TestStoppedRunMapsToStoppedStatus(t *testing.T) {
	rep := sampleExecution()
	rep.Status = domain.StatusPartial
	rep.StoppedByUser = true
	rep.Partial = true

	report := FromExecution(rep)
	assert.Equal(t, domain.ReportStatusStopped, report.Status)
	assert.True(t, report.Partial)
	assert.True(t, report.StoppedByUser)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir(), nil, nil)
	ctx := context.Background()

	report, err := store.SaveExecution(ctx, sampleExecution())
	require.NoError(t, err)

	loaded, err := store.Load(report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.Status, loaded.Status)
	assert.Equal(t, report.PassRate, loaded.PassRate)
	require.Len(t, loaded.Results, 2)
	assert.Equal(t, "checkout", loaded.Results[1].TestCaseName)
}

func TestLoadUnknownReportFails(t *testing.T) {
	store := NewStore(t.TempDir(), nil, nil)
	_, err := store.Load("nope")
	assert.Error(t, err)
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir(), nil, nil)
	ctx := context.Background()

	older := sampleExecution()
	older.ID = "run-old"
	_, err := store.SaveExecution(ctx, older)
	require.NoError(t, err)

	newer := sampleExecution()
	newer.ID = "run-new"
	newer.ExecutedAt = older.ExecutedAt.Add(time.Hour)
	_, err = store.SaveExecution(ctx, newer)
	require.NoError(t, err)

	summaries, err := store.List(10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "run-new", summaries[0].ID)
	assert.Equal(t, "run-old", summaries[1].ID)

	one, err := store.List(1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestListEmptyDirIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir(), nil, nil)
	summaries, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestArchiverReceivesReport(t *testing.T) {
	archiver := &fakeArchiver{}
	store := NewStore(t.TempDir(), archiver, nil)

	report, err := store.SaveExecution(context.Background(), sampleExecution())
	require.NoError(t, err)
	// The missing screenshot file is skipped silently; the report itself
	// is always archived.
	assert.Contains(t, archiver.keys, "reports/"+report.ID+".json")
}
