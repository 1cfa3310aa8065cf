package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/domain"
	"github.com/testforge/autopilot/internal/orchestrator"
	rediscache "github.com/testforge/autopilot/internal/repository/redis"
	"github.com/testforge/autopilot/pkg/httputil"
)

// session tracks one autonomous run kicked off through the API. The
// orchestrator itself is process-wide; a session scopes its view to one
// project.
type session struct {
	ID          string
	ProjectID   uuid.UUID
	ProjectName string
	Status      string
	StartedAt   time.Time
	QueuedItems []string
}

// AutonomousHandler handles orchestrator session requests
type AutonomousHandler struct {
	baseCtx context.Context
	orch    *orchestrator.Orchestrator
	store   orchestrator.ProjectStore
	runner  AgentRunner
	cache   *rediscache.Cache
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewAutonomousHandler creates a new autonomous session handler. baseCtx
// outlives individual requests and governs the orchestrator loops.
func NewAutonomousHandler(baseCtx context.Context, orch *orchestrator.Orchestrator, store orchestrator.ProjectStore, runner AgentRunner, cache *rediscache.Cache, logger *zap.Logger) *AutonomousHandler {
	return &AutonomousHandler{
		baseCtx:  baseCtx,
		orch:     orch,
		store:    store,
		runner:   runner,
		cache:    cache,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// RunProject handles POST /agent/autonomous/run/{projectId}
func (h *AutonomousHandler) RunProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "projectId"))
	if err != nil {
		httputil.JSONError(w, http.StatusBadRequest, domain.ErrCodeValidation, "invalid project ID format")
		return
	}

	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	var project *domain.Project
	for i := range projects {
		if projects[i].ID == projectID {
			project = &projects[i]
			break
		}
	}
	if project == nil {
		httputil.ErrorFromDomain(w, domain.NewNotFoundError("project", projectID.String()))
		return
	}

	// Idempotent: starting twice keeps the running loops.
	if err := h.orch.Start(h.baseCtx); err != nil {
		h.logger.Debug("orchestrator already running", zap.Error(err))
	}
	h.orch.Resume()

	sess := &session{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ProjectName: project.Name,
		Status:      "running",
		StartedAt:   time.Now().UTC(),
	}

	features, err := h.store.ListFeatures(r.Context(), projectID)
	if err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}
	for _, f := range features {
		item, err := h.orch.QueueFeature(r.Context(), projectID, f.ID, domain.PriorityHigh)
		if err != nil {
			h.logger.Warn("queueing feature failed",
				zap.String("feature", f.Name), zap.Error(err))
			continue
		}
		sess.QueuedItems = append(sess.QueuedItems, item.ID)
	}
	if item, err := h.orch.QueueProjectTests(r.Context(), projectID, domain.PriorityHigh); err == nil {
		sess.QueuedItems = append(sess.QueuedItems, item.ID)
	}

	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()

	h.syncSnapshot(r.Context(), sess)

	h.logger.Info("autonomous session started",
		zap.String("session_id", sess.ID),
		zap.String("project", project.Name),
		zap.Int("queued", len(sess.QueuedItems)))

	httputil.JSON(w, http.StatusAccepted, map[string]string{
		"sessionId": sess.ID,
		"status":    sess.Status,
	})
}

// GetSession handles GET /agent/autonomous/session/{sessionId}
func (h *AutonomousHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	h.mu.Unlock()

	if !ok {
		// Fall back to the cache so restarted processes can still answer
		// for old sessions.
		if h.cache != nil {
			if snap, err := h.cache.GetSession(r.Context(), sessionID); err == nil && snap != nil {
				httputil.JSON(w, http.StatusOK, snap)
				return
			}
		}
		httputil.ErrorFromDomain(w, domain.NewNotFoundError("session", sessionID))
		return
	}

	snap := h.snapshot(sess)
	if h.cache != nil {
		if err := h.cache.SetSession(r.Context(), snap); err != nil {
			h.logger.Debug("caching session snapshot failed", zap.Error(err))
		}
	}
	httputil.JSON(w, http.StatusOK, snap)
}

// StopSession handles POST /agent/autonomous/session/{sessionId}/stop
func (h *AutonomousHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	if ok {
		sess.Status = "stopped"
	}
	h.mu.Unlock()

	if !ok {
		httputil.ErrorFromDomain(w, domain.NewNotFoundError("session", sessionID))
		return
	}

	// Cooperative stop: the in-flight test finishes, then the session's
	// project stops being served. Other projects keep running.
	if st := h.runner.Status(); st.Running && st.ProjectID == sess.ProjectID.String() {
		h.runner.RequestStop()
	}

	h.syncSnapshot(r.Context(), sess)

	h.logger.Info("autonomous session stopped", zap.String("session_id", sessionID))
	httputil.JSON(w, http.StatusOK, map[string]string{
		"sessionId": sessionID,
		"status":    "stopped",
	})
}

// snapshot assembles the API view of a session from orchestrator state.
func (h *AutonomousHandler) snapshot(sess *session) *rediscache.SessionSnapshot {
	stats := h.orch.GetStatistics()
	queued := 0
	for _, depth := range h.orch.GetQueueStatus() {
		queued += depth
	}

	executed := 0
	var logs []string
	for _, item := range h.orch.GetExecutionHistory(50) {
		if item.ProjectID != sess.ProjectID.String() {
			continue
		}
		executed++
		line := fmt.Sprintf("%s %s", item.FeatureName, item.Status)
		if item.Result != nil {
			line = fmt.Sprintf("%s %s passed=%d failed=%d", item.FeatureName, item.Status, item.Result.Passed, item.Result.Failed)
		}
		logs = append(logs, line)
	}
	if len(logs) > 10 {
		logs = logs[:10]
	}

	var current string
	if st := h.runner.Status(); st.Running && st.ProjectID == sess.ProjectID.String() {
		current = st.FeatureName
	}

	status := sess.Status
	if status == "running" && stats.Paused {
		status = "paused"
	}

	return &rediscache.SessionSnapshot{
		SessionID:     sess.ID,
		ProjectID:     sess.ProjectID.String(),
		ProjectName:   sess.ProjectName,
		Status:        status,
		CurrentTest:   current,
		ExecutedTests: executed,
		QueueDepth:    queued,
		RecentLogs:    logs,
		StartedAt:     sess.StartedAt,
	}
}

func (h *AutonomousHandler) syncSnapshot(ctx context.Context, sess *session) {
	if h.cache == nil {
		return
	}
	if err := h.cache.SetSession(ctx, h.snapshot(sess)); err != nil {
		h.logger.Debug("caching session snapshot failed", zap.Error(err))
	}
}
