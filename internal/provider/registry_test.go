package provider

import (
	"context"
	"testing"

	"github.com/calderhq/forge/internal/workflow"
)

// fakeAI is a scriptable AI provider for tests.
type fakeAI struct {
	name      string
	fs        FSAbility
	responses []string
	calls     int
	err       error
}

func (f *fakeAI) Validate() error { return nil }

func (f *fakeAI) Generate(_ context.Context, _ string, _ map[string]any) (*Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &Result{}, nil
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return &Result{Response: f.responses[i]}, nil
}

func (f *fakeAI) Metadata() Metadata {
	return Metadata{Name: f.name, FSAbility: f.fs}
}

func TestBuiltinsPreRegistered(t *testing.T) {
	r := NewRegistry()

	for _, key := range []string{KeySkip, KeyManual} {
		if !r.HasApproval(key) {
			t.Errorf("builtin %s not registered", key)
		}
		if _, err := r.CreateApproval(key, nil); err != nil {
			t.Errorf("CreateApproval(%s) failed: %v", key, err)
		}
	}
}

func TestSkipAlwaysApproves(t *testing.T) {
	a := &SkipApprover{}
	res, err := a.Evaluate(context.Background(), workflow.PhasePlan, workflow.StagePrompt, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != workflow.DecisionApproved {
		t.Errorf("decision = %s", res.Decision)
	}
}

func TestManualAlwaysPending(t *testing.T) {
	a := &ManualApprover{}
	res, err := a.Evaluate(context.Background(), workflow.PhaseGenerate, workflow.StageResponse, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != workflow.DecisionPending {
		t.Errorf("decision = %s", res.Decision)
	}
	if a.Metadata().FSAbility != FSLocalWrite {
		t.Errorf("manual fs ability = %s", a.Metadata().FSAbility)
	}
}

func TestCreateApprovalWrapsAIProvider(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterAI("mock", func() AIProvider { return &fakeAI{name: "mock", fs: FSRead} }); err != nil {
		t.Fatal(err)
	}

	if !r.HasApproval("mock") {
		t.Error("AI key should resolve as approval via adapter")
	}

	a, err := r.CreateApproval("mock", map[string]any{"allow_rewrite": false})
	if err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}
	if _, ok := a.(*AIApprovalProvider); !ok {
		t.Errorf("expected adapter, got %T", a)
	}
}

func TestCreateUnknownProvider(t *testing.T) {
	r := NewRegistry()

	if _, err := r.CreateAI("nope"); err == nil {
		t.Error("expected error for unknown AI key")
	}
	if _, err := r.CreateApproval("nope", nil); err == nil {
		t.Error("expected error for unknown approval key")
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	ctor := func() AIProvider { return &fakeAI{name: "x"} }

	if err := r.RegisterAI("x", ctor); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterAI("x", ctor); err == nil {
		t.Error("duplicate AI registration should fail")
	}
	if err := r.RegisterApproval(KeySkip, nil); err == nil {
		t.Error("re-registering builtin skip should fail")
	}
}

func TestDeclaredApprovalFS(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterAI("blind", func() AIProvider { return &fakeAI{name: "blind", fs: FSNone} }); err != nil {
		t.Fatal(err)
	}

	fs, direct := r.DeclaredApprovalFS(KeyManual)
	if !direct || fs != FSLocalWrite {
		t.Errorf("manual: fs=%s direct=%v", fs, direct)
	}

	// AI-adapter keys are not direct approval providers.
	if _, direct := r.DeclaredApprovalFS("blind"); direct {
		t.Error("AI key should not report as direct approval provider")
	}
}
