package runners

import (
	"testing"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func historyConv(msgs []models.Message, counts []int) *entities.Conversation {
	conv := entities.NewConversation(models.Prompt{Name: "default"}, "test-model", nil)
	conv.Messages = msgs
	conv.TokenCounts = counts
	return conv
}

func roles(msgs []models.Message) []models.Role {
	out := make([]models.Role, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Role
	}
	return out
}

func TestTruncateHistoryKeepsWholeTurns(t *testing.T) {
	model := &provider.Model{Name: "test-model"}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q2"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1"}}},
		{Role: models.RoleTool, Content: "result", ToolCallID: "c1"},
		{Role: models.RoleAssistant, Content: "a2"},
	}
	counts := []int{10, 10, 10, 10, 10, 10}

	// Budget fits only the second turn (q2 and its tool round, 40
	// tokens); the first turn must go as a unit.
	got, ok := truncateHistory(model, historyConv(msgs, counts), 45)
	if !ok {
		t.Fatalf("well-formed history reported malformed")
	}
	if len(got) != 4 {
		t.Fatalf("kept %d messages, want 4 (roles %v)", len(got), roles(got))
	}
	if got[0].Role != models.RoleUser || got[0].Content != "q2" {
		t.Fatalf("truncation must start at a user turn, got %+v", got[0])
	}
	// The assistant tool call and its result stay together.
	if got[1].ToolCalls == nil || got[2].ToolCallID != "c1" {
		t.Fatalf("tool round split from its call: %v", roles(got))
	}
}

func TestTruncateHistoryFitsEverything(t *testing.T) {
	model := &provider.Model{Name: "test-model"}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
	}
	got, ok := truncateHistory(model, historyConv(msgs, []int{5, 5}), 100)
	if !ok || len(got) != 2 {
		t.Fatalf("expected full history, got %d messages, ok=%v", len(got), ok)
	}
}

func TestTruncateHistoryNothingFits(t *testing.T) {
	model := &provider.Model{Name: "test-model"}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
	}
	got, ok := truncateHistory(model, historyConv(msgs, []int{500, 500}), 100)
	if !ok {
		t.Fatalf("oversized history is still well-formed")
	}
	if got != nil {
		t.Fatalf("expected empty selection, got %v", roles(got))
	}
}

func TestTruncateHistoryEmpty(t *testing.T) {
	model := &provider.Model{Name: "test-model"}
	got, ok := truncateHistory(model, historyConv(nil, nil), 100)
	if !ok || got != nil {
		t.Fatalf("empty history should be trivially fine, got %v, ok=%v", got, ok)
	}
}

func TestTruncateHistoryDetectsMalformedHistory(t *testing.T) {
	model := &provider.Model{Name: "test-model"}
	msgs := []models.Message{
		{Role: models.RoleAssistant, Content: "orphan"},
		{Role: models.RoleUser, Content: "q1"},
	}
	if _, ok := truncateHistory(model, historyConv(msgs, []int{5, 5}), 100); ok {
		t.Fatalf("history starting mid-turn must be flagged")
	}
}
