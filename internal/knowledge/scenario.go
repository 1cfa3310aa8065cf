package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/testforge/autopilot/internal/domain"
)

// ScenarioElement is one element resolution recorded by a scenario run.
type ScenarioElement struct {
	Selector string                  `json:"selector"`
	Strategy domain.SelectorStrategy `json:"strategy"`
}

// ScenarioCache records the element-keys a scenario actually used in its most
// recent run, so a replay can prewarm lookups instead of rediscovering them.
type ScenarioCache struct {
	ScenarioID string    `json:"scenario_id"`
	Domain     string    `json:"domain"`
	SavedAt    time.Time `json:"saved_at"`
	// element-key -> selector that resolved it
	Elements map[string]ScenarioElement `json:"elements"`
}

func (b *Base) scenarioPath(scenarioID string) string {
	return filepath.Join(b.scenarioDir, scenarioID+".json")
}

// GetScenarioCache loads the prewarm cache for a scenario, or nil if none.
func (b *Base) GetScenarioCache(scenarioID string) *ScenarioCache {
	if b.scenarioDir == "" || scenarioID == "" {
		return nil
	}
	data, err := os.ReadFile(b.scenarioPath(scenarioID))
	if err != nil {
		return nil
	}
	var sc ScenarioCache
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}
	return &sc
}

// SaveScenarioCache writes the prewarm cache for a scenario atomically.
func (b *Base) SaveScenarioCache(sc *ScenarioCache) error {
	if b.scenarioDir == "" || sc == nil || sc.ScenarioID == "" {
		return nil
	}
	sc.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.scenarioDir, 0o755); err != nil {
		return domain.NewPersistenceError(b.scenarioDir, err)
	}
	path := b.scenarioPath(sc.ScenarioID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return domain.NewPersistenceError(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.NewPersistenceError(path, err)
	}
	return nil
}
