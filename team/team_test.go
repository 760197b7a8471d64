package team

import (
	"testing"
)

type analysis struct {
	Findings string `json:"findings"`
	Risk     int    `json:"risk"`
}

type design struct {
	Schema string `json:"schema"`
}

func specs() []AgentSpec {
	return []AgentSpec{
		{ID: "analyst", Deliverable: &analysis{}},
		{ID: "architect", Deliverable: &design{}},
		{ID: "reviewer", Deliverable: &design{}},
	}
}

func TestModeRewritesAllowlists(t *testing.T) {
	seq, err := New(ModeSequential, specs()...)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	for _, id := range seq.Order() {
		a, _ := seq.Agent(id)
		if len(a.Spec.DelegateTo) != 0 {
			t.Fatalf("sequential agent %q should not delegate: %v", id, a.Spec.DelegateTo)
		}
	}

	dyn, err := New(ModeDynamic, specs()...)
	if err != nil {
		t.Fatalf("dynamic: %v", err)
	}
	a, _ := dyn.Agent("analyst")
	if len(a.Spec.DelegateTo) != 2 {
		t.Fatalf("dynamic agent should reach every teammate, got %v", a.Spec.DelegateTo)
	}
	if dyn.CanDelegate("analyst", "analyst") {
		t.Fatal("agent should never delegate to itself")
	}

	hier, err := New(ModeHierarchical, specs()...)
	if err != nil {
		t.Fatalf("hierarchical: %v", err)
	}
	entry, _ := hier.Agent(hier.Entry())
	if len(entry.Spec.DelegateTo) != 2 {
		t.Fatalf("entry agent should delegate to all workers, got %v", entry.Spec.DelegateTo)
	}
	worker, _ := hier.Agent("architect")
	if len(worker.Spec.DelegateTo) != 0 {
		t.Fatalf("hierarchy worker should not delegate, got %v", worker.Spec.DelegateTo)
	}

	mr, err := New(ModeMapReduce, specs()...)
	if err != nil {
		t.Fatalf("mapreduce: %v", err)
	}
	for _, id := range mr.Order() {
		a, _ := mr.Agent(id)
		if len(a.Spec.DelegateTo) != 0 {
			t.Fatalf("mapreduce worker %q should not delegate", id)
		}
	}
}

func TestUnknownDelegationTargetDropped(t *testing.T) {
	def, err := New(ModeHierarchical,
		AgentSpec{ID: "manager", DelegateTo: []string{"ghost"}, Deliverable: &design{}},
		AgentSpec{ID: "worker", Deliverable: &design{}},
	)
	if err != nil {
		t.Fatalf("assembly should not fail on unknown targets: %v", err)
	}
	if def.CanDelegate("manager", "ghost") {
		t.Fatal("unknown target survived assembly")
	}
	if !def.CanDelegate("manager", "worker") {
		t.Fatal("hierarchical rewrite should grant the entry agent its workers")
	}
}

func TestInvalidSpecsRejected(t *testing.T) {
	if _, err := New(ModeSequential); err == nil {
		t.Fatal("empty team should fail")
	}
	if _, err := New(ModeSequential, AgentSpec{ID: "Bad-ID", Deliverable: &design{}}); err == nil {
		t.Fatal("malformed id should fail")
	}
	if _, err := New(ModeSequential, AgentSpec{ID: "a", Deliverable: &design{}}, AgentSpec{ID: "a", Deliverable: &design{}}); err == nil {
		t.Fatal("duplicate id should fail")
	}
	if _, err := New(ModeSequential, AgentSpec{ID: "a"}); err == nil {
		t.Fatal("missing deliverable prototype should fail")
	}
	if _, err := New(Mode("bogus"), AgentSpec{ID: "a", Deliverable: &design{}}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}

func TestDeliverableValidation(t *testing.T) {
	def, err := New(ModeSequential, AgentSpec{ID: "analyst", Deliverable: &analysis{}})
	if err != nil {
		t.Fatalf("assembly: %v", err)
	}
	a, _ := def.Agent("analyst")

	if err := a.ValidateDeliverable([]byte(`{"findings":"ok","risk":2}`)); err != nil {
		t.Fatalf("valid deliverable rejected: %v", err)
	}
	if err := a.ValidateDeliverable([]byte(`{"findings":123}`)); err == nil {
		t.Fatal("schema violation accepted")
	}
	if a.Schema == nil {
		t.Fatal("reflected schema missing")
	}
}

func TestSpecDefaults(t *testing.T) {
	def, err := New(ModeSequential, AgentSpec{ID: "analyst", Deliverable: &analysis{}})
	if err != nil {
		t.Fatalf("assembly: %v", err)
	}
	a, _ := def.Agent("analyst")
	if a.Spec.MaxSteps != 6 {
		t.Fatalf("default max steps: %d", a.Spec.MaxSteps)
	}
	if a.Spec.ToolTimeout <= 0 || a.Spec.Timeout <= 0 {
		t.Fatalf("timeouts not defaulted: %+v", a.Spec)
	}
	if a.Spec.Retry.MaxAttempts <= 0 {
		t.Fatalf("retry policy not normalized: %+v", a.Spec.Retry)
	}
}
