// Package registry owns agents and their instruction versions: immutable,
// labeled prompt revisions with default-resolution rules.
package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/stellarlinkco/gm-eval/internal/store"
)

// instructionSeparator joins version text and scenario text when resolving
// effective instructions.
const instructionSeparator = "\n\n---\n\n"

// Registry manages agents, instruction versions and scenario bindings.
type Registry struct {
	st store.RegistryStore
}

// New creates a Registry.
func New(st store.RegistryStore) *Registry {
	return &Registry{st: st}
}

// RegisterAgent creates an agent and returns it.
func (r *Registry) RegisterAgent(ctx context.Context, name, role string) (*store.AgentRecord, error) {
	if r == nil || r.st == nil {
		return nil, errors.New("registry: nil registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("registry: empty agent name")
	}

	a := &store.AgentRecord{ID: uuid.NewString(), Name: name, Role: strings.TrimSpace(role)}
	if err := r.st.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RenameAgent updates an agent's display name.
func (r *Registry) RenameAgent(ctx context.Context, id, name string) error {
	if r == nil || r.st == nil {
		return errors.New("registry: nil registry")
	}
	return r.st.RenameAgent(ctx, id, name)
}

// DeleteAgent removes an agent with its versions and bindings. The delete is
// refused while any message or run references one of the agent's versions.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	if r == nil || r.st == nil {
		return errors.New("registry: nil registry")
	}
	return r.st.DeleteAgent(ctx, id)
}

// CreateVersion adds a labeled instruction revision for an agent. New versions
// default to active; activation never deactivates siblings.
func (r *Registry) CreateVersion(ctx context.Context, agentID, label, instructions string) (*store.VersionRecord, error) {
	if r == nil || r.st == nil {
		return nil, errors.New("registry: nil registry")
	}
	agentID = strings.TrimSpace(agentID)
	label = strings.TrimSpace(label)
	if agentID == "" || label == "" {
		return nil, errors.New("registry: missing agent id/label")
	}
	if strings.TrimSpace(instructions) == "" {
		return nil, errors.New("registry: empty instructions")
	}

	if _, err := r.st.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	v := &store.VersionRecord{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Label:        label,
		Instructions: instructions,
		IsActive:     true,
	}
	if err := r.st.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateVersion edits a version. Once any message or test case run references
// the version its instruction text is frozen; the label and activation flag
// may still change. Empty label/instructions leave the field untouched.
func (r *Registry) UpdateVersion(ctx context.Context, id, label, instructions string, isActive *bool) error {
	if r == nil || r.st == nil {
		return errors.New("registry: nil registry")
	}
	return r.st.UpdateVersion(ctx, id, label, instructions, isActive)
}

// Resolved is the outcome of instruction resolution for a scenario.
type Resolved struct {
	AgentID      string
	VersionID    string
	VersionLabel string
	Instructions string // version text, separator, scenario text
}

// ResolveEffectiveInstructions returns the instruction text that applies when
// the given scenario's agent speaks. An explicitly bound version wins; a null
// binding version falls back to the agent's most recently created active
// version, so the scenario silently picks up newly activated prompts.
func (r *Registry) ResolveEffectiveInstructions(ctx context.Context, scenarioID string) (*Resolved, error) {
	if r == nil || r.st == nil {
		return nil, errors.New("registry: nil registry")
	}
	scenarioID = strings.TrimSpace(scenarioID)
	if scenarioID == "" {
		return nil, errors.New("registry: empty scenario id")
	}

	scenario, err := r.st.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	binding, err := r.st.GetScenarioBinding(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	var version *store.VersionRecord
	if binding.InstructionVersionID != "" {
		version, err = r.st.GetVersion(ctx, binding.InstructionVersionID)
	} else {
		version, err = r.st.LatestActiveVersion(ctx, binding.AgentID)
	}
	if err != nil {
		return nil, err
	}

	text := version.Instructions
	if strings.TrimSpace(scenario.Instructions) != "" {
		text = version.Instructions + instructionSeparator + scenario.Instructions
	}

	return &Resolved{
		AgentID:      binding.AgentID,
		VersionID:    version.ID,
		VersionLabel: version.Label,
		Instructions: text,
	}, nil
}

// CreateScenario adds a scenario with its free-text instructions.
func (r *Registry) CreateScenario(ctx context.Context, name, instructions string) (*store.ScenarioRecord, error) {
	if r == nil || r.st == nil {
		return nil, errors.New("registry: nil registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("registry: empty scenario name")
	}

	sc := &store.ScenarioRecord{ID: uuid.NewString(), Name: name, Instructions: instructions}
	if err := r.st.CreateScenario(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// BindScenarioAgent binds an agent to a scenario, optionally pinning an
// instruction version. An empty version id means "use the agent's default".
func (r *Registry) BindScenarioAgent(ctx context.Context, scenarioID, agentID, versionID string) error {
	if r == nil || r.st == nil {
		return errors.New("registry: nil registry")
	}

	if _, err := r.st.GetScenario(ctx, scenarioID); err != nil {
		return err
	}
	if _, err := r.st.GetAgent(ctx, agentID); err != nil {
		return err
	}
	versionID = strings.TrimSpace(versionID)
	if versionID != "" {
		v, err := r.st.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.AgentID != strings.TrimSpace(agentID) {
			return errors.New("registry: version belongs to another agent")
		}
	}

	return r.st.UpsertBinding(ctx, &store.BindingRecord{
		ScenarioID:           scenarioID,
		AgentID:              agentID,
		InstructionVersionID: versionID,
	})
}
