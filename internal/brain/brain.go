package brain

import (
	"path/filepath"

	"go.uber.org/zap"
)

// Brain bundles the three memory stores. The memories hold no back-references;
// only the learning engine writes to all of them.
type Brain struct {
	Pages     *PageMemory
	Errors    *ErrorMemory
	Workflows *WorkflowMemory
}

// New opens the memories under memoryDir, loading any persisted state.
func New(memoryDir string, logger *zap.Logger) *Brain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Brain{
		Pages:     NewPageMemory(filepath.Join(memoryDir, "page_memory.json"), logger.Named("pages")),
		Errors:    NewErrorMemory(filepath.Join(memoryDir, "error_memory.json"), logger.Named("errors")),
		Workflows: NewWorkflowMemory(filepath.Join(memoryDir, "workflow_memory.json"), logger.Named("workflows")),
	}
}

// Flush persists all dirty memories. The first error is returned but every
// store still gets its flush attempt.
func (b *Brain) Flush() error {
	var first error
	for _, f := range []func() error{b.Pages.Flush, b.Errors.Flush, b.Workflows.Flush} {
		if err := f(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Decay drops stale entries from all memories and returns the total removed.
func (b *Brain) Decay(maxAgeDays int) int {
	return b.Pages.Decay(maxAgeDays) + b.Errors.Decay(maxAgeDays) + b.Workflows.Decay(maxAgeDays)
}

// GetStats merges the per-memory stats under one map.
func (b *Brain) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"pages":     b.Pages.GetStats(),
		"errors":    b.Errors.GetStats(),
		"workflows": b.Workflows.GetStats(),
	}
}
