// Package flowdef loads and registers static flow definitions.
//
// Flows are authored as JSON files. A default installation-intake flow is
// embedded so the service runs with zero configuration; additional flows can
// be loaded from a directory at startup.
package flowdef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "embed"

	"github.com/hanna-crm/flowengine/internal/models"
)

//go:embed default_flow.json
var defaultFlowJSON []byte

// DefaultFlowID is the id of the embedded installation-intake flow.
const DefaultFlowID = "installation_intake"

// Registry holds validated flow definitions keyed by flow id.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]models.FlowDefinition
}

// NewRegistry creates a registry preloaded with the embedded default flow.
func NewRegistry() (*Registry, error) {
	r := &Registry{flows: make(map[string]models.FlowDefinition)}

	def, err := Parse(defaultFlowJSON)
	if err != nil {
		return nil, fmt.Errorf("embedded default flow is invalid: %w", err)
	}
	r.flows[def.ID] = def
	slog.Debug("Registry: default flow registered", "flowID", def.ID, "steps", len(def.Steps))
	return r, nil
}

// Parse decodes and validates a single flow definition from JSON.
func Parse(data []byte) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, fmt.Errorf("failed to decode flow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return def, fmt.Errorf("flow definition %q failed validation: %w", def.ID, err)
	}
	return def, nil
}

// Register validates def and adds it to the registry, replacing any flow with
// the same id.
func (r *Registry) Register(def models.FlowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[def.ID] = def
	slog.Debug("Registry.Register", "flowID", def.ID, "steps", len(def.Steps))
	return nil
}

// LoadDir loads every .json file in dir as a flow definition. A missing
// directory is not an error; a file that fails to parse or validate is.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		slog.Debug("Registry.LoadDir: directory does not exist, skipping", "dir", dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read flows directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read flow file %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return fmt.Errorf("flow file %s: %w", path, err)
		}
		if err := r.Register(def); err != nil {
			return fmt.Errorf("flow file %s: %w", path, err)
		}
		loaded++
	}
	slog.Info("Registry.LoadDir: flows loaded", "dir", dir, "count", loaded)
	return nil
}

// Get returns the flow with the given id.
func (r *Registry) Get(id string) (models.FlowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.flows[id]
	return def, ok
}

// List returns all registered flows sorted by id.
func (r *Registry) List() []models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.FlowDefinition, 0, len(r.flows))
	for _, def := range r.flows {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}
