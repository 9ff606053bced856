package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stellarlinkco/gm-eval/internal/store"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestRegisterAgentValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t)

	if _, err := r.RegisterAgent(ctx, "  ", "gm"); err == nil {
		t.Error("blank name accepted")
	}
	a, err := r.RegisterAgent(ctx, " keeper ", " gm ")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if a.Name != "keeper" || a.Role != "gm" {
		t.Errorf("agent not trimmed: %+v", a)
	}
}

func TestCreateVersionRequiresAgent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t)

	if _, err := r.CreateVersion(ctx, "missing", "v1", "text"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	a, err := r.RegisterAgent(ctx, "keeper", "gm")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.CreateVersion(ctx, a.ID, "v1", "  "); err == nil {
		t.Error("empty instructions accepted")
	}
	v, err := r.CreateVersion(ctx, a.ID, "v1", "Narrate tersely.")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !v.IsActive {
		t.Error("new version should default to active")
	}
}

func TestResolveEffectiveInstructions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t)

	agent, err := r.RegisterAgent(ctx, "keeper", "gm")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	v1, err := r.CreateVersion(ctx, agent.ID, "v1", "Narrate tersely.")
	if err != nil {
		t.Fatalf("v1: %v", err)
	}
	scenario, err := r.CreateScenario(ctx, "haunted-keep", "The keep is silent.")
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if err := r.BindScenarioAgent(ctx, scenario.ID, agent.ID, ""); err != nil {
		t.Fatalf("bind: %v", err)
	}

	// Null binding version resolves to the latest active version.
	got, err := r.ResolveEffectiveInstructions(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.VersionID != v1.ID {
		t.Errorf("resolved %q, want v1", got.VersionLabel)
	}
	want := "Narrate tersely.\n\n---\n\nThe keep is silent."
	if got.Instructions != want {
		t.Errorf("instructions = %q", got.Instructions)
	}

	// A newer active version silently takes over.
	v2, err := r.CreateVersion(ctx, agent.ID, "v2", "Narrate lushly.")
	if err != nil {
		t.Fatalf("v2: %v", err)
	}
	got, err = r.ResolveEffectiveInstructions(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.VersionID != v2.ID {
		t.Errorf("resolved %q, want v2", got.VersionLabel)
	}

	// A pinned version wins over the default.
	if err := r.BindScenarioAgent(ctx, scenario.ID, agent.ID, v1.ID); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	got, err = r.ResolveEffectiveInstructions(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.VersionID != v1.ID {
		t.Errorf("pinned resolve %q, want v1", got.VersionLabel)
	}
}

func TestResolveWithoutScenarioInstructions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t)

	agent, err := r.RegisterAgent(ctx, "keeper", "gm")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.CreateVersion(ctx, agent.ID, "v1", "Narrate tersely."); err != nil {
		t.Fatalf("version: %v", err)
	}
	scenario, err := r.CreateScenario(ctx, "blank", "   ")
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}
	if err := r.BindScenarioAgent(ctx, scenario.ID, agent.ID, ""); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := r.ResolveEffectiveInstructions(ctx, scenario.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// No separator without scenario text.
	if strings.Contains(got.Instructions, "---") {
		t.Errorf("instructions = %q", got.Instructions)
	}
	if got.Instructions != "Narrate tersely." {
		t.Errorf("instructions = %q", got.Instructions)
	}
}

func TestBindScenarioAgentRejectsForeignVersion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := newRegistry(t)

	a1, err := r.RegisterAgent(ctx, "keeper", "gm")
	if err != nil {
		t.Fatalf("register a1: %v", err)
	}
	a2, err := r.RegisterAgent(ctx, "oracle", "gm")
	if err != nil {
		t.Fatalf("register a2: %v", err)
	}
	v2, err := r.CreateVersion(ctx, a2.ID, "v1", "Speak in riddles.")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	scenario, err := r.CreateScenario(ctx, "crossed-wires", "")
	if err != nil {
		t.Fatalf("scenario: %v", err)
	}

	err = r.BindScenarioAgent(ctx, scenario.ID, a1.ID, v2.ID)
	if err == nil || !strings.Contains(err.Error(), "another agent") {
		t.Fatalf("err = %v", err)
	}
}
