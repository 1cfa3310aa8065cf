package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/observability"
)

// discoveryLoop sweeps the project store on a fixed interval and enqueues
// work it has not seen before.
func (o *Orchestrator) discoveryLoop(ctx context.Context) {
	defer close(o.discDone)
	// First sweep runs immediately so a fresh process starts working
	// without waiting a full interval.
	for {
		o.discover(ctx)
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(o.cfg.DiscoveryInterval):
		}
	}
}

// discover enumerates all projects and enqueues unseen features and test
// suites at normal priority. Identity is tracked in a seen-set so each
// feature is auto-queued once; regression re-runs everything later.
func (o *Orchestrator) discover(ctx context.Context) {
	o.mu.Lock()
	o.stats.DiscoveryRuns++
	o.mu.Unlock()
	observability.GetMetrics().DiscoveryRuns.Inc()

	projects, err := o.store.ListProjects(ctx)
	if err != nil {
		o.logger.Warn("discovery failed to list projects", zap.Error(err))
		return
	}

	enqueued := 0
	for _, p := range projects {
		enqueued += o.discoverFeatures(ctx, p)
		enqueued += o.discoverSuites(ctx, p)
	}
	if enqueued > 0 {
		o.logger.Info("discovery enqueued new work", zap.Int("count", enqueued))
	}
}

func (o *Orchestrator) discoverFeatures(ctx context.Context, p domain.Project) int {
	features, err := o.store.ListFeatures(ctx, p.ID)
	if err != nil {
		o.logger.Warn("discovery failed to list features",
			zap.String("project", p.Name), zap.Error(err))
		return 0
	}
	enqueued := 0
	for _, f := range features {
		key := p.ID.String() + ":" + f.ID.String()
		if !o.markSeen(key) {
			continue
		}
		item := &QueuedTest{
			ID:          uuid.NewString(),
			ProjectID:   p.ID.String(),
			ProjectName: p.Name,
			BaseURL:     p.BaseURL,
			Kind:        domain.FormatBehaviorDriven,
			FeatureID:   f.ID.String(),
			FeatureName: f.Name,
			Priority:    domain.PriorityNormal,
			Reason:      ReasonDiscovery,
			Status:      QueuePending,
			CreatedAt:   o.now(),
			MaxRetries:  o.cfg.MaxRetries,
		}
		if o.enqueue(item) {
			enqueued++
		}
	}
	return enqueued
}

// discoverSuites groups a project's action-based test cases by suite name and
// enqueues each unseen suite as one run.
func (o *Orchestrator) discoverSuites(ctx context.Context, p domain.Project) int {
	cases, err := o.store.ListTestCases(ctx, p.ID)
	if err != nil {
		o.logger.Warn("discovery failed to list test cases",
			zap.String("project", p.Name), zap.Error(err))
		return 0
	}
	suites := make(map[string][]string)
	for _, tc := range cases {
		name := tc.SuiteName
		if name == "" {
			name = "default"
		}
		suites[name] = append(suites[name], tc.ID.String())
	}
	enqueued := 0
	for name, ids := range suites {
		key := p.ID.String() + ":suite:" + name
		if !o.markSeen(key) {
			continue
		}
		item := &QueuedTest{
			ID:          uuid.NewString(),
			ProjectID:   p.ID.String(),
			ProjectName: p.Name,
			BaseURL:     p.BaseURL,
			Kind:        domain.FormatActionBased,
			FeatureName: name,
			TestCaseIDs: ids,
			Priority:    domain.PriorityNormal,
			Reason:      ReasonDiscovery,
			Status:      QueuePending,
			CreatedAt:   o.now(),
			MaxRetries:  o.cfg.MaxRetries,
		}
		if o.enqueue(item) {
			enqueued++
		}
	}
	return enqueued
}

// markSeen returns true the first time a key is observed.
func (o *Orchestrator) markSeen(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[key]; ok {
		return false
	}
	o.seen[key] = struct{}{}
	return true
}
