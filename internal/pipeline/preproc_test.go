package pipeline

import (
	"context"
	"testing"

	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func TestPreProcessorBuildsPlainUserMessage(t *testing.T) {
	stage := NewPreProcessorStage(plugin.NewHost(nil), nil)
	snap := testSnapshot()

	query := groupQuery(snap, 10, 2, models.MessageChain{
		models.At{Target: 5000},
		models.Plain{Text: "你好"},
	})
	query.SelfID = 5000

	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("process: %v, %v", res, err)
	}
	if query.MessageChain.HasAt(5000) {
		t.Fatalf("self mention should be stripped from the working chain")
	}
	if query.UserMessage == nil || query.UserMessage.Content != "你好" {
		t.Fatalf("unexpected user message %+v", query.UserMessage)
	}
	if len(query.UserMessage.ContentParts) != 0 {
		t.Fatalf("text-only chains must not use the multimodal shape")
	}
}

func TestPreProcessorQuotedTextBecomesContext(t *testing.T) {
	stage := NewPreProcessorStage(plugin.NewHost(nil), nil)
	snap := testSnapshot()

	query := personQuery(snap, 1, "")
	query.MessageChain = models.MessageChain{
		models.Quote{MessageID: 3, Origin: models.NewPlainChain("昨天的结论")},
		models.Plain{Text: "继续"},
	}

	if _, err := stage.Process(context.Background(), query); err != nil {
		t.Fatalf("process: %v", err)
	}
	want := "> 昨天的结论\n继续"
	if query.UserMessage.Content != want {
		t.Fatalf("content = %q, want %q", query.UserMessage.Content, want)
	}
}

func TestPreProcessorImageSwitchesToParts(t *testing.T) {
	stage := NewPreProcessorStage(plugin.NewHost(nil), nil)
	snap := testSnapshot()

	query := personQuery(snap, 1, "")
	query.MessageChain = models.MessageChain{
		models.Plain{Text: "看这个"},
		models.Image{URL: "https://example.com/cat.png"},
	}

	if _, err := stage.Process(context.Background(), query); err != nil {
		t.Fatalf("process: %v", err)
	}
	msg := query.UserMessage
	if msg.Content != "" {
		t.Fatalf("multimodal messages must not set Content, got %q", msg.Content)
	}
	if len(msg.ContentParts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(msg.ContentParts))
	}
	if msg.ContentParts[1].Type != models.ContentImageURL {
		t.Fatalf("expected image_url part, got %+v", msg.ContentParts[1])
	}
}

func TestPreProcessorPluginClaimJumpsToSendReply(t *testing.T) {
	host := plugin.NewHost(nil)
	claimer := &testEventPlugin{name: "claimer", handlers: map[string]plugin.EventHandler{
		plugin.EventPersonMessageReceived: func(_ context.Context, ec *plugin.EventContext) error {
			ec.PreventDefault()
			ec.AddReturn(plugin.ReturnReply, "已由插件处理")
			return nil
		},
	}}
	if err := host.Register(context.Background(), claimer); err != nil {
		t.Fatal(err)
	}
	stage := NewPreProcessorStage(host, nil)

	query := personQuery(testSnapshot(), 1, "hello")
	res, err := stage.Process(context.Background(), query)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Action != ActionJump || res.JumpTo != StageSendReply {
		t.Fatalf("expected jump to send-reply, got %+v", res)
	}
	if len(query.RespMessageChain) != 1 || query.RespMessageChain[0].PlainText() != "已由插件处理" {
		t.Fatalf("plugin reply missing: %+v", query.RespMessageChain)
	}
	if len(query.RespMessages) != 1 || query.RespMessages[0].Content != "已由插件处理" {
		t.Fatalf("claimed reply must land in the query record too: %+v", query.RespMessages)
	}
	if query.RespMessages[0].Role != models.RoleAssistant {
		t.Fatalf("claimed reply must be recorded as assistant output")
	}
}

func TestPreProcessorPluginClaimWithoutReplyInterrupts(t *testing.T) {
	host := plugin.NewHost(nil)
	muter := &testEventPlugin{name: "muter", handlers: map[string]plugin.EventHandler{
		plugin.EventPersonMessageReceived: func(_ context.Context, ec *plugin.EventContext) error {
			ec.PreventDefault()
			return nil
		},
	}}
	if err := host.Register(context.Background(), muter); err != nil {
		t.Fatal(err)
	}
	stage := NewPreProcessorStage(host, nil)

	res, err := stage.Process(context.Background(), personQuery(testSnapshot(), 1, "hello"))
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("expected interrupt, got %+v, %v", res, err)
	}
}
