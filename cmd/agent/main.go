// Command agent runs a test batch once and prints a colored summary. It
// shares the learning stores with the API server through the data directory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/config"
	"github.com/testforge/autopilot/internal/decision"
	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/executor"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/learning"
	"github.com/testforge/autopilot/internal/llm"
	"github.com/testforge/autopilot/internal/orchestrator"
	"github.com/testforge/autopilot/internal/patterns"
	"github.com/testforge/autopilot/internal/reporting"
	"github.com/testforge/autopilot/internal/repository/catalog"
)

var (
	green  = color.New(color.FgGreen, color.Bold)
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow, color.Bold)
	cyan   = color.New(color.FgCyan, color.Bold)
	bold   = color.New(color.Bold)
	dim    = color.New(color.Faint)
)

// runFile is the JSON shape accepted by -file: a project header plus either
// a behavior-driven feature or a flat list of action tests.
type runFile struct {
	ProjectName string              `json:"projectName"`
	BaseURL     string              `json:"baseUrl"`
	Feature     *domain.Feature     `json:"feature,omitempty"`
	TestCases   []inlineTestCase    `json:"testCases,omitempty"`
	Credentials *domain.Credentials `json:"credentials,omitempty"`
}

type inlineTestCase struct {
	ID    string            `json:"id,omitempty"`
	Name  string            `json:"name"`
	Tags  []string          `json:"tags,omitempty"`
	Steps []domain.TestStep `json:"steps"`
}

func main() {
	godotenv.Load()

	file := flag.String("file", "", "Run the feature or test cases in this JSON file")
	project := flag.String("project", "", "Run all features of this catalog project")
	scenario := flag.String("scenario", "", "Only scenarios whose name contains this text")
	mode := flag.String("mode", "", "Execution mode: autonomous, guided, or strict")
	headless := flag.Bool("headless", true, "Run the browser headless")
	verbose := flag.Bool("verbose", false, "Verbose logging")
	flag.Parse()

	if (*file == "") == (*project == "") {
		red.Println("exactly one of -file or -project is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		red.Printf("config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" && !domain.ExecutionMode(*mode).IsValid() {
		red.Printf("invalid -mode %q\n", *mode)
		os.Exit(2)
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	kb, err := knowledge.New(knowledge.Options{
		SelectorsDir:    cfg.Data.SelectorsDir(),
		ExplorationsDir: cfg.Data.ExplorationsDir(),
		ScenarioDir:     cfg.Data.ScenarioCacheDir(),
		Logger:          logger,
	})
	if err != nil {
		red.Printf("opening knowledge base: %v\n", err)
		os.Exit(1)
	}
	defer kb.Close()

	br := brain.New(cfg.Data.MemoryDir(), logger)
	defer br.Flush()
	pt := patterns.NewStore(cfg.Data.PatternsDir(), logger)

	gateway := buildGateway(cfg, logger)
	var ai decision.AIGateway
	if gateway != nil {
		ai = gateway
	}
	decisions := decision.NewEngine(kb, br, ai, logger)
	learner := learning.NewEngine(kb, br, pt, logger)
	reports := reporting.NewStore(cfg.Data.ReportsDir(), nil, logger)

	store, err := catalog.NewFileStore(filepath.Join(cfg.Data.Dir, "catalog.json"), logger)
	if err != nil {
		red.Printf("opening catalog: %v\n", err)
		os.Exit(1)
	}

	browserCfg := cfg.Browser
	browserCfg.Headless = *headless

	runner := orchestrator.NewExecutorRunner(orchestrator.ExecutorRunnerOptions{
		Store:     store,
		KB:        kb,
		Brain:     br,
		Patterns:  pt,
		Decisions: decisions,
		Learner:   learner,
		Gateway:   gateway,
		Reports:   reports,
		Browser:   browserCfg,
		Mode:      domain.ExecutionMode(cfg.Orchestrator.ExecutionMode),
		ReportDir: cfg.Data.ReportsDir(),
		Logger:    logger,
	})

	var batches []batch
	if *file != "" {
		b, err := loadRunFile(*file, *scenario)
		if err != nil {
			red.Printf("loading %s: %v\n", *file, err)
			os.Exit(1)
		}
		batches = append(batches, *b)
	} else {
		batches, err = loadProject(store, *project, *scenario)
		if err != nil {
			red.Printf("loading project %q: %v\n", *project, err)
			os.Exit(1)
		}
	}
	for i := range batches {
		batches[i].item.Mode = domain.ExecutionMode(*mode)
		batches[i].item.Headless = headless
	}

	ctx := context.Background()
	failed := 0
	for _, b := range batches {
		report, err := run(ctx, runner, b)
		if err != nil {
			red.Printf("✗ %s: %v\n", b.label, err)
			failed++
			continue
		}
		printReport(b.label, report)
		failed += report.Failed
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// batch is one runnable unit: a queue item plus its assembled tests.
type batch struct {
	label string
	item  *orchestrator.QueuedTest
	tests []executor.UnifiedTestCase
}

func loadRunFile(path, scenarioFilter string) (*batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf runFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if rf.BaseURL == "" {
		return nil, fmt.Errorf("baseUrl is required")
	}

	item := &orchestrator.QueuedTest{
		ID:          uuid.NewString(),
		ProjectName: rf.ProjectName,
		BaseURL:     rf.BaseURL,
		Priority:    domain.PriorityHigh,
		Reason:      orchestrator.ReasonManual,
		Credentials: rf.Credentials,
	}

	switch {
	case rf.Feature != nil:
		item.Kind = domain.FormatBehaviorDriven
		item.FeatureName = rf.Feature.Name
		var tests []executor.UnifiedTestCase
		for _, sc := range rf.Feature.Scenarios {
			if !matchesScenario(sc.Name, scenarioFilter) {
				continue
			}
			if sc.ID == uuid.Nil {
				sc.ID = uuid.New()
			}
			tests = append(tests, executor.FromScenario(rf.Feature.Name, rf.Feature.Background, sc))
		}
		return &batch{label: rf.Feature.Name, item: item, tests: tests}, nil

	case len(rf.TestCases) > 0:
		item.Kind = domain.FormatActionBased
		tests := make([]executor.UnifiedTestCase, 0, len(rf.TestCases))
		for _, tc := range rf.TestCases {
			id := tc.ID
			if id == "" {
				id = uuid.NewString()
			}
			tests = append(tests, executor.UnifiedTestCase{
				ID:     id,
				Name:   tc.Name,
				Format: domain.FormatActionBased,
				Tags:   tc.Tags,
				Steps:  tc.Steps,
			})
		}
		label := rf.ProjectName
		if label == "" {
			label = filepath.Base(path)
		}
		return &batch{label: label, item: item, tests: tests}, nil

	default:
		return nil, fmt.Errorf("file needs a feature or testCases")
	}
}

func loadProject(store *catalog.FileStore, name, scenarioFilter string) ([]batch, error) {
	ctx := context.Background()
	projects, err := store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var project *domain.Project
	for i := range projects {
		if projects[i].Name == name {
			project = &projects[i]
			break
		}
	}
	if project == nil {
		return nil, fmt.Errorf("not in catalog")
	}

	features, err := store.ListFeatures(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	var batches []batch
	for _, f := range features {
		var tests []executor.UnifiedTestCase
		for _, sc := range f.Scenarios {
			if !matchesScenario(sc.Name, scenarioFilter) {
				continue
			}
			tests = append(tests, executor.FromScenario(f.Name, f.Background, sc))
		}
		if len(tests) == 0 {
			continue
		}
		batches = append(batches, batch{
			label: f.Name,
			item: &orchestrator.QueuedTest{
				ID:          uuid.NewString(),
				ProjectID:   project.ID.String(),
				ProjectName: project.Name,
				BaseURL:     project.BaseURL,
				Kind:        domain.FormatBehaviorDriven,
				FeatureID:   f.ID.String(),
				FeatureName: f.Name,
				Priority:    domain.PriorityHigh,
				Reason:      orchestrator.ReasonManual,
			},
			tests: tests,
		})
	}

	cases, err := store.ListTestCases(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(cases) > 0 {
		tests := make([]executor.UnifiedTestCase, 0, len(cases))
		for _, tc := range cases {
			tests = append(tests, executor.FromActionTestCase(tc))
		}
		batches = append(batches, batch{
			label: project.Name + " test cases",
			item: &orchestrator.QueuedTest{
				ID:          uuid.NewString(),
				ProjectID:   project.ID.String(),
				ProjectName: project.Name,
				BaseURL:     project.BaseURL,
				Kind:        domain.FormatActionBased,
				Priority:    domain.PriorityHigh,
				Reason:      orchestrator.ReasonManual,
			},
			tests: tests,
		})
	}

	if len(batches) == 0 {
		return nil, fmt.Errorf("nothing to run")
	}
	return batches, nil
}

func matchesScenario(name, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(filter))
}

func run(ctx context.Context, runner *orchestrator.ExecutorRunner, b batch) (*executor.UnifiedExecutionReport, error) {
	cyan.Printf("▶ %s", b.label)
	dim.Printf("  (%d tests)\n", len(b.tests))

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("   Running tests..."),
		progressbar.OptionSpinnerType(14),
	)
	done := make(chan bool)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				bar.Add(1)
				time.Sleep(100 * time.Millisecond)
			}
		}
	}()

	report, err := runner.RunTests(ctx, b.item, b.tests)
	close(done)
	bar.Finish()
	fmt.Println()
	return report, err
}

func printReport(label string, report *executor.UnifiedExecutionReport) {
	for _, r := range report.Results {
		switch r.Status {
		case domain.StatusPassed:
			green.Printf("  ✓ %s", r.TestCaseName)
		case domain.StatusSkipped:
			yellow.Printf("  - %s", r.TestCaseName)
		default:
			red.Printf("  ✗ %s", r.TestCaseName)
		}
		dim.Printf("  %s\n", (time.Duration(r.Duration) * time.Millisecond).Round(time.Millisecond))
		if r.ErrorMessage != "" {
			dim.Printf("      %s\n", r.ErrorMessage)
		}
	}

	fmt.Println()
	bold.Printf("  %d passed", report.Passed)
	if report.Failed > 0 {
		fmt.Print(", ")
		red.Printf("%d failed", report.Failed)
	}
	if report.Skipped > 0 {
		fmt.Print(", ")
		yellow.Printf("%d skipped", report.Skipped)
	}
	dim.Printf("  (%.0f%% pass rate, %s)\n", report.PassRate,
		(time.Duration(report.Duration) * time.Millisecond).Round(time.Millisecond))
	dim.Printf("  report: %s\n\n", report.ID)
}

// buildGateway assembles the AI gateway from the configured providers.
func buildGateway(cfg *config.Config, logger *zap.Logger) *llm.Gateway {
	if !cfg.Features.EnableAIFallback {
		return nil
	}
	var providers []llm.Provider
	if cfg.Claude.APIKey != "" {
		claude, err := llm.NewClaudeProvider(cfg.Claude)
		if err == nil {
			providers = append(providers, claude)
		}
	}
	if cfg.Ollama.Enabled {
		providers = append(providers, llm.NewOllamaProvider(cfg.Ollama))
	}
	if len(providers) == 0 {
		return nil
	}
	budget := llm.NewBudget(cfg.Budget, cfg.Data.BudgetFile(), logger)
	cache := llm.NewResponseCache(cfg.Data.AICacheDir(), cfg.Budget.CacheSize, logger)
	return llm.NewGateway(providers, budget, cache, logger)
}
