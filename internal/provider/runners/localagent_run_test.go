package runners

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// scriptedRequester replays canned responses and records every request
// it receives. When the script runs out the last step repeats.
type scriptedRequester struct {
	mu       sync.Mutex
	requests [][]models.Message
	script   []func(req []models.Message) (*models.Message, error)
}

func (r *scriptedRequester) Name() string                       { return "scripted" }
func (r *scriptedRequester) Initialize(_ context.Context) error { return nil }

func (r *scriptedRequester) Call(_ context.Context, _ *provider.Model, messages []models.Message, _ []*tools.Tool, _ provider.StreamHandler) (*models.Message, error) {
	r.mu.Lock()
	r.requests = append(r.requests, append([]models.Message(nil), messages...))
	idx := len(r.requests) - 1
	r.mu.Unlock()
	if idx >= len(r.script) {
		idx = len(r.script) - 1
	}
	return r.script[idx](messages)
}

func (r *scriptedRequester) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *scriptedRequester) request(i int) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[i]
}

func assistantToolCall(calls ...models.ToolCall) *models.Message {
	return &models.Message{Role: models.RoleAssistant, ToolCalls: calls}
}

func assistantText(text string) *models.Message {
	return &models.Message{Role: models.RoleAssistant, Content: text}
}

// agentFixture wires a LocalAgent around a scripted requester and a
// fresh session, mirroring what the pipeline hands the runner.
func agentFixture(t *testing.T, req *scriptedRequester, tm *tools.Manager) (*LocalAgent, *entities.Query) {
	t.Helper()
	model := &provider.Model{
		Name:              "test-model",
		Requester:         req,
		ToolCallSupported: true,
	}
	mm := provider.NewStaticModelManager(nil, model)
	if tm == nil {
		tm = tools.NewManager(nil, nil)
	}
	agent := NewLocalAgent(mm, tm, plugin.NewHost(nil), nil)

	snap := &config.Snapshot{
		Command:  config.DefaultCommand(),
		Pipeline: config.DefaultPipeline(),
		Platform: config.DefaultPlatform(),
		Provider: config.DefaultProvider(),
		System:   config.DefaultSystem(),
	}
	snap.Pipeline.AI.Runner = RunnerLocalAgent
	snap.Pipeline.AI.LocalAgent.Model = "test-model"

	sess := entities.NewSession(models.LauncherPerson, 100, 1)
	conv := entities.NewConversation(models.Prompt{Name: "default"}, "test-model", nil)
	sess.AddConversation(conv)
	sess.SetUsing(conv)

	user := models.Message{Role: models.RoleUser, Content: "北京今天天气怎么样"}
	return agent, &entities.Query{
		ID:           entities.NextQueryID(),
		LauncherType: models.LauncherPerson,
		LauncherID:   100,
		SenderID:     100,
		Pipeline:     snap,
		Session:      sess,
		UserMessage:  &user,
	}
}

func collect(t *testing.T, items <-chan Item, errs <-chan error) ([]Item, error) {
	t.Helper()
	var out []Item
	for item := range items {
		out = append(out, item)
	}
	return out, <-errs
}

func TestLocalAgentToolCallRoundTrip(t *testing.T) {
	weatherCalled := false
	tm := tools.NewManager(nil, nil)
	if err := tm.Register(&tools.Tool{
		Name:   "get_weather",
		Source: "builtin",
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			weatherCalled = true
			if args["city"] != "beijing" {
				t.Errorf("tool got args %v", args)
			}
			return map[string]any{"condition": "sunny"}, nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return assistantToolCall(models.ToolCall{
				ID:   "call-1",
				Type: "function",
				Function: models.FunctionCall{
					Name:      "get_weather",
					Arguments: `{"city":"beijing"}`,
				},
			}), nil
		},
		func(_ []models.Message) (*models.Message, error) {
			return assistantText("北京今天晴。"), nil
		},
	}}

	agent, query := agentFixture(t, req, tm)
	items, errs := agent.Run(context.Background(), query)
	got, err := collect(t, items, errs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !weatherCalled {
		t.Fatalf("tool was never executed")
	}
	if len(got) != 1 || !got[0].Final || got[0].Message.Content != "北京今天晴。" {
		t.Fatalf("items = %+v, want one final answer", got)
	}

	// The follow-up request carries the tool result bound to its call id.
	if req.calls() != 2 {
		t.Fatalf("requester called %d times, want 2", req.calls())
	}
	second := req.request(1)
	last := second[len(second)-1]
	if last.Role != models.RoleTool || last.ToolCallID != "call-1" {
		t.Fatalf("follow-up must end with the tool result, got %+v", last)
	}
	if !strings.Contains(last.Content, "sunny") {
		t.Fatalf("tool payload lost: %q", last.Content)
	}
	if prev := second[len(second)-2]; len(prev.ToolCalls) == 0 {
		t.Fatalf("tool result must follow its assistant call, got %+v", prev)
	}

	// History stays append-only in wire order.
	conv := query.Session.Using()
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(conv.Messages) != len(wantRoles) {
		t.Fatalf("history has %d messages, want %d: %v", len(conv.Messages), len(wantRoles), roles(conv.Messages))
	}
	for i, want := range wantRoles {
		if conv.Messages[i].Role != want {
			t.Fatalf("history roles %v, want %v", roles(conv.Messages), wantRoles)
		}
	}
	if len(conv.TokenCounts) != len(conv.Messages) {
		t.Fatalf("token counts out of step: %d vs %d", len(conv.TokenCounts), len(conv.Messages))
	}
}

func TestLocalAgentParallelToolCalls(t *testing.T) {
	tm := tools.NewManager(nil, nil)
	for _, name := range []string{"get_weather", "get_time"} {
		name := name
		if err := tm.Register(&tools.Tool{
			Name:    name,
			Source:  "builtin",
			Execute: func(_ context.Context, _ map[string]any) (any, error) { return name + "-result", nil },
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return assistantToolCall(
				models.ToolCall{ID: "a", Type: "function", Function: models.FunctionCall{Name: "get_weather"}},
				models.ToolCall{ID: "b", Type: "function", Function: models.FunctionCall{Name: "get_time"}},
			), nil
		},
		func(_ []models.Message) (*models.Message, error) {
			return assistantText("done"), nil
		},
	}}

	agent, query := agentFixture(t, req, tm)
	items, errs := agent.Run(context.Background(), query)
	if _, err := collect(t, items, errs); err != nil {
		t.Fatalf("run: %v", err)
	}

	// One tool message per call, ids preserved, call order kept.
	second := req.request(1)
	var ids []string
	for _, m := range second {
		if m.Role == models.RoleTool {
			ids = append(ids, m.ToolCallID)
		}
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("tool result ids = %v, want [a b]", ids)
	}
}

func TestLocalAgentToolErrorFedToModel(t *testing.T) {
	tm := tools.NewManager(nil, nil)
	// No tools registered: the call comes back as a tool error, which
	// goes to the model rather than aborting the run.
	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return assistantToolCall(models.ToolCall{
				ID: "x", Type: "function",
				Function: models.FunctionCall{Name: "missing_tool"},
			}), nil
		},
		func(msgs []models.Message) (*models.Message, error) {
			last := msgs[len(msgs)-1]
			if last.Role != models.RoleTool || !strings.HasPrefix(last.Content, "error:") {
				t.Errorf("model should see the tool failure, got %+v", last)
			}
			return assistantText("我无法调用该工具。"), nil
		},
	}}

	agent, query := agentFixture(t, req, tm)
	items, errs := agent.Run(context.Background(), query)
	got, err := collect(t, items, errs)
	if err != nil {
		t.Fatalf("tool failures must not abort the run: %v", err)
	}
	if len(got) != 1 || !got[0].Final {
		t.Fatalf("items = %+v, want one final answer", got)
	}
}

func TestLocalAgentIterationLimit(t *testing.T) {
	tm := tools.NewManager(nil, nil)
	if err := tm.Register(&tools.Tool{
		Name:    "loop",
		Source:  "builtin",
		Execute: func(_ context.Context, _ map[string]any) (any, error) { return "again", nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The model never stops asking for the tool.
	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return assistantToolCall(models.ToolCall{
				ID: "c", Type: "function",
				Function: models.FunctionCall{Name: "loop"},
			}), nil
		},
	}}

	agent, query := agentFixture(t, req, tm)
	query.Pipeline.Pipeline.AI.LocalAgent.MaxToolIterations = 3

	items, errs := agent.Run(context.Background(), query)
	got, err := collect(t, items, errs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if req.calls() != 3 {
		t.Fatalf("requester called %d times, want 3", req.calls())
	}
	if len(got) != 1 || !got[0].Final {
		t.Fatalf("items = %+v, want one final notice", got)
	}
	if !strings.Contains(got[0].Message.Content, "上限") {
		t.Fatalf("user should be told the limit was hit, got %q", got[0].Message.Content)
	}
}

func TestLocalAgentRequesterErrorSurfaces(t *testing.T) {
	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return nil, &provider.RequesterError{Code: 429, Message: "rate limited"}
		},
	}}

	agent, query := agentFixture(t, req, nil)
	items, errs := agent.Run(context.Background(), query)
	got, err := collect(t, items, errs)
	if err == nil {
		t.Fatalf("requester failure must surface as an error")
	}
	if entities.KindOf(err) != entities.ErrRequester {
		t.Fatalf("error kind = %v, want ErrRequester (%v)", entities.KindOf(err), err)
	}
	if len(got) != 0 {
		t.Fatalf("no items expected on failure, got %+v", got)
	}
}

func TestLocalAgentMalformedHistorySentUntruncated(t *testing.T) {
	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(_ []models.Message) (*models.Message, error) {
			return assistantText("ok"), nil
		},
	}}

	agent, query := agentFixture(t, req, nil)
	conv := query.Session.Using()
	// No leading user turn: truncation cannot find turn boundaries.
	conv.Messages = []models.Message{
		{Role: models.RoleAssistant, Content: "greeting"},
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
	}
	conv.TokenCounts = []int{5, 5, 5}

	items, errs := agent.Run(context.Background(), query)
	if _, err := collect(t, items, errs); err != nil {
		t.Fatalf("run: %v", err)
	}

	sent := req.request(0)
	if len(sent) != 4 {
		t.Fatalf("request has %d messages, want untruncated history plus the user message", len(sent))
	}
	if sent[0].Content != "greeting" || sent[3].Role != models.RoleUser {
		t.Fatalf("history must precede the user message verbatim: %v", roles(sent))
	}
}

func TestLocalAgentPromptOverrideByPlugin(t *testing.T) {
	req := &scriptedRequester{script: []func([]models.Message) (*models.Message, error){
		func(msgs []models.Message) (*models.Message, error) {
			if len(msgs) == 0 || msgs[0].Role != models.RoleSystem || msgs[0].Content != "rewritten" {
				t.Errorf("plugin prompt should lead the request, got %+v", msgs)
			}
			return assistantText("ok"), nil
		},
	}}

	agent, query := agentFixture(t, req, nil)
	host := plugin.NewHost(nil)
	rewriter := &stubPlugin{name: "rewriter", handlers: map[string]plugin.EventHandler{
		plugin.EventPromptPreProcess: func(_ context.Context, ec *plugin.EventContext) error {
			ec.AddReturn(plugin.ReturnPrompt, []models.Message{
				{Role: models.RoleSystem, Content: "rewritten"},
			})
			return nil
		},
	}}
	if err := host.Register(context.Background(), rewriter); err != nil {
		t.Fatalf("register plugin: %v", err)
	}
	agent.host = host
	query.PromptMessages = []models.Message{{Role: models.RoleSystem, Content: "original"}}

	items, errs := agent.Run(context.Background(), query)
	if _, err := collect(t, items, errs); err != nil {
		t.Fatalf("run: %v", err)
	}
}

type stubPlugin struct {
	name     string
	handlers map[string]plugin.EventHandler
}

func (p *stubPlugin) Manifest() plugin.Manifest                { return plugin.Manifest{Name: p.name} }
func (p *stubPlugin) Handlers() map[string]plugin.EventHandler { return p.handlers }
