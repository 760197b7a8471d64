package conduct

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/latticehq/conduct/config"
	"github.com/latticehq/conduct/llm"
	"github.com/latticehq/conduct/team"
	"github.com/latticehq/conduct/types"
)

type report struct {
	Summary string `json:"summary"`
}

// scriptedProvider replays canned responses in order.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Response
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Tools: true, StructuredOutput: true}
}
func (p *scriptedProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, llm.ErrNotSupported
}
func (p *scriptedProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return types.Response{}, context.DeadlineExceeded
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func assistantText(content string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: content}}
}

func soloTeam(t *testing.T) *team.Definition {
	t.Helper()
	def, err := team.New(team.ModeSequential, team.AgentSpec{
		ID:          "writer",
		Description: "writes the report",
		Deliverable: &report{},
	})
	if err != nil {
		t.Fatalf("team assembly: %v", err)
	}
	return def
}

func TestEngineRunsEndToEndWithMemoryBackends(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{
		assistantText("drafting the report"),
		assistantText(`{"summary":"all systems nominal"}`),
	}}

	eng, err := New(config.Default(), soloTeam(t), provider)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	events, err := eng.Stream(context.Background(), "s1", "write the status report")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var deliverable json.RawMessage
	for ev := range events {
		if ev.Type == "session.completed" {
			deliverable = ev.Deliverable
		}
		if ev.Type == "session.error" {
			t.Fatalf("run failed: %s", ev.Error)
		}
	}
	var out report
	if err := json.Unmarshal(deliverable, &out); err != nil {
		t.Fatalf("deliverable: %v (%s)", err, deliverable)
	}
	if out.Summary != "all systems nominal" {
		t.Fatalf("summary = %q", out.Summary)
	}

	info, err := eng.SessionInfo(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session info: %v", err)
	}
	if !info.Exists || info.Parked {
		t.Fatalf("info = %+v", info)
	}
	if err := eng.ClearSession(context.Background(), "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	info, err = eng.SessionInfo(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session info after clear: %v", err)
	}
	if info.Exists {
		t.Fatal("session should be gone after clear")
	}
}

func TestEngineSessionKeyUsesNamespace(t *testing.T) {
	cfg := config.Default()
	cfg.Namespace = "research"
	eng, err := New(cfg, soloTeam(t), &scriptedProvider{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	key := eng.Session("abc")
	if key.Namespace != "research" || key.SessionID != "abc" {
		t.Fatalf("key = %+v", key)
	}
	if !strings.Contains(key.ThreadID(), "research") {
		t.Fatalf("thread id should carry the namespace, got %q", key.ThreadID())
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Checkpoint.Backend = "dynamo"
	if _, err := New(cfg, soloTeam(t), &scriptedProvider{}); err == nil {
		t.Fatal("expected config validation error")
	}
}
