package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/testforge/autopilot/internal/brain"
	"github.com/testforge/autopilot/internal/knowledge"
	"github.com/testforge/autopilot/internal/patterns"
	"github.com/testforge/autopilot/pkg/httputil"
)

// KnowledgeHandler handles knowledge statistics and bulk movement
type KnowledgeHandler struct {
	kb       *knowledge.Base
	brain    *brain.Brain
	patterns *patterns.Store
	logger   *zap.Logger
}

// NewKnowledgeHandler creates a new knowledge handler
func NewKnowledgeHandler(kb *knowledge.Base, br *brain.Brain, pt *patterns.Store, logger *zap.Logger) *KnowledgeHandler {
	return &KnowledgeHandler{kb: kb, brain: br, patterns: pt, logger: logger}
}

// Stats handles GET /agent/knowledge/stats
func (h *KnowledgeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"selectors": h.kb.GetStats(),
	}
	if h.brain != nil {
		out["brain"] = h.brain.GetStats()
	}
	if h.patterns != nil {
		out["patterns"] = h.patterns.GetStats()
	}
	httputil.JSON(w, http.StatusOK, out)
}

// Export handles POST /agent/knowledge/export
func (h *KnowledgeHandler) Export(w http.ResponseWriter, r *http.Request) {
	data := h.kb.Export()
	h.logger.Info("knowledge exported",
		zap.Int("domains", len(data.Domains)))
	httputil.JSON(w, http.StatusOK, data)
}

// Import handles POST /agent/knowledge/import
func (h *KnowledgeHandler) Import(w http.ResponseWriter, r *http.Request) {
	var data knowledge.ExportData
	if err := httputil.DecodeJSON(r, &data); err != nil {
		httputil.ErrorFromDomain(w, err)
		return
	}

	merged := h.kb.Import(&data)
	h.logger.Info("knowledge imported", zap.Int("merged", merged))

	httputil.JSON(w, http.StatusOK, map[string]int{"merged": merged})
}
