package routes

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Module describes one discoverable unit of runtime capability —
// provider, tool, hook, or orchestrator — mirroring original_source's
// routes/modules.py ModuleInfo shape, minus the Python loader's
// install/uninstall surface (listing only, per SPEC_FULL.md §11's
// Non-goals).
type Module struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	MountPoint  string `json:"mount_point,omitempty"`
}

// ModuleSource enumerates installed modules. Grounded on the teacher's
// Registry.GetAllTools-style enumeration (internal/mcp/registry.go):
// rather than Python's dynamic ModuleLoader.discover(), module lists here
// come from whatever concrete registries (tool registry, hook bus,
// provider config) the embedding runtime already maintains.
type ModuleSource interface {
	Modules() []Module
}

// ModulesHandler answers GET /v1/modules, grouping installed modules by
// type and optionally filtering by a comma-separated "type" query
// parameter, per original_source's list_modules.
func ModulesHandler(source ModuleSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var typeFilter map[string]bool
		if raw := r.URL.Query().Get("type"); raw != "" {
			typeFilter = make(map[string]bool)
			for _, t := range strings.Split(raw, ",") {
				t = strings.TrimSpace(t)
				if t != "" {
					typeFilter[t] = true
				}
			}
		}

		grouped := make(map[string][]Module)
		for _, mod := range source.Modules() {
			if typeFilter != nil && !typeFilter[mod.Type] {
				continue
			}
			grouped[mod.Type] = append(grouped[mod.Type], mod)
		}
		for t := range grouped {
			sort.Slice(grouped[t], func(i, j int) bool {
				return grouped[t][i].ID < grouped[t][j].ID
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(grouped)
	}
}

// StaticModuleSource is a fixed, in-memory ModuleSource, useful for
// wiring a known set of built-in providers/tools/hooks without a dynamic
// loader.
type StaticModuleSource []Module

// Modules returns the fixed module list.
func (s StaticModuleSource) Modules() []Module {
	return []Module(s)
}
