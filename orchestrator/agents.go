// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// AgentStatus is the lifecycle state of an agent instance.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// AgentDefinition describes a deployable agent kind.
type AgentDefinition struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	IsEnabled       bool           `json:"is_enabled"`
	Capabilities    []string       `json:"capabilities"`
	DefaultMemoryMB int            `json:"default_memory_mb,omitempty"`
	DefaultCPUCores float64        `json:"default_cpu_cores,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
}

// HasAnyCapability reports whether the definition covers at least one of
// the required capabilities. An empty requirement always matches.
func (d *AgentDefinition) HasAnyCapability(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		for _, have := range d.Capabilities {
			if want == have {
				return true
			}
		}
	}
	return false
}

// CapabilityOverlap counts how many required capabilities the definition
// provides.
func (d *AgentDefinition) CapabilityOverlap(required []string) int {
	score := 0
	for _, want := range required {
		for _, have := range d.Capabilities {
			if want == have {
				score++
				break
			}
		}
	}
	return score
}

// AgentInstance is one running agent bound to a workspace/project.
type AgentInstance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	WorkspaceID  string         `json:"workspace_id"`
	ProjectID    string         `json:"project_id"`
	Status       AgentStatus    `json:"status"`
	Config       map[string]any `json:"config,omitempty"`
	ErrorReason  string         `json:"error_reason,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// MemoryMB reads the instance's memory limit from config, falling back
// to the definition default.
func (i *AgentInstance) MemoryMB(def *AgentDefinition) int {
	if v, ok := i.Config["memory_mb"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	if def != nil {
		return def.DefaultMemoryMB
	}
	return 0
}

// CPUCores reads the instance's CPU limit from config, falling back to
// the definition default.
func (i *AgentInstance) CPUCores(def *AgentDefinition) float64 {
	if v, ok := i.Config["cpu_cores"]; ok {
		switch n := v.(type) {
		case int:
			return float64(n)
		case float64:
			return n
		}
	}
	if def != nil {
		return def.DefaultCPUCores
	}
	return 0
}

// AgentDirectory tracks agent definitions and instances and serialises
// instance status transitions so they stay atomic with respect to
// assignment decisions.
type AgentDirectory struct {
	mu          sync.RWMutex
	definitions map[string]*AgentDefinition
	instances   map[string]*AgentInstance
}

func NewAgentDirectory() *AgentDirectory {
	return &AgentDirectory{
		definitions: make(map[string]*AgentDefinition),
		instances:   make(map[string]*AgentInstance),
	}
}

// RegisterDefinition adds or replaces an agent definition.
func (d *AgentDirectory) RegisterDefinition(def *AgentDefinition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *def
	d.definitions[def.ID] = &copied
}

// RegisterInstance adds or replaces an agent instance.
func (d *AgentDirectory) RegisterInstance(inst *AgentInstance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := *inst
	copied.UpdatedAt = time.Now().UTC()
	d.instances[inst.ID] = &copied
}

// Definition returns an agent definition by id.
func (d *AgentDirectory) Definition(id string) (*AgentDefinition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	def, ok := d.definitions[id]
	if !ok {
		return nil, false
	}
	copied := *def
	return &copied, true
}

// Instance returns an agent instance by id.
func (d *AgentDirectory) Instance(id string) (*AgentInstance, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[id]
	if !ok {
		return nil, false
	}
	copied := *inst
	return &copied, true
}

// IdleInstances returns instances in the workspace/project that are
// currently idle, with their definitions.
func (d *AgentDirectory) IdleInstances(workspaceID, projectID string) []*AgentInstance {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*AgentInstance
	for _, inst := range d.instances {
		if inst.WorkspaceID != workspaceID || inst.Status != AgentIdle {
			continue
		}
		if projectID != "" && inst.ProjectID != "" && inst.ProjectID != projectID {
			continue
		}
		copied := *inst
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TransitionStatus moves an instance between statuses as a compare-and-
// swap: the transition only happens when the instance is currently in
// one of the allowed from-states.
func (d *AgentDirectory) TransitionStatus(instanceID string, from []AgentStatus, to AgentStatus, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[instanceID]
	if !ok {
		return fmt.Errorf("agent instance %s not found", instanceID)
	}
	allowed := len(from) == 0
	for _, f := range from {
		if inst.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("agent instance %s is %s, cannot transition to %s",
			instanceID, inst.Status, to)
	}
	inst.Status = to
	inst.ErrorReason = reason
	inst.UpdatedAt = time.Now().UTC()
	return nil
}
