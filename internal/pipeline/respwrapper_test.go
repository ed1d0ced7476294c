package pipeline

import (
	"context"
	"testing"

	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func TestResponseWrapperAtSenderPrefix(t *testing.T) {
	stage := NewResponseWrapperStage(plugin.NewHost(nil), nil)
	snap := testSnapshot()
	snap.Platform.AtSender = true

	query := groupQuery(snap, 10, 2, models.NewPlainChain("hi"))
	query.RespMessages = append(query.RespMessages,
		&models.Message{Role: models.RoleAssistant, Content: "answer"})

	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("process: %v, %v", res, err)
	}
	if len(query.RespMessageChain) != 1 {
		t.Fatalf("expected one wrapped chain, got %d", len(query.RespMessageChain))
	}
	chain := query.RespMessageChain[0]
	if !chain.HasAt(2) {
		t.Fatalf("group reply should mention the sender, got %v", chain)
	}
	if chain.PlainText() != " answer" {
		t.Fatalf("unexpected text %q", chain.PlainText())
	}
}

func TestResponseWrapperPersonHasNoMention(t *testing.T) {
	stage := NewResponseWrapperStage(plugin.NewHost(nil), nil)
	snap := testSnapshot()

	query := personQuery(snap, 2, "hi")
	query.RespMessages = append(query.RespMessages,
		&models.Message{Role: models.RoleAssistant, Content: "answer"})

	if _, err := stage.Process(context.Background(), query); err != nil {
		t.Fatalf("process: %v", err)
	}
	if query.RespMessageChain[0].HasAt(2) {
		t.Fatalf("direct replies must not carry a mention")
	}
}

func TestResponseWrapperEmptyResponseInterrupts(t *testing.T) {
	stage := NewResponseWrapperStage(plugin.NewHost(nil), nil)
	query := personQuery(testSnapshot(), 2, "hi")

	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("no response messages should interrupt, got %+v, %v", res, err)
	}

	query.RespMessages = append(query.RespMessages, &models.Message{Role: models.RoleAssistant})
	res, err = stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("empty chain should interrupt, got %+v, %v", res, err)
	}
}

func TestResponseWrapperPluginCanSuppressReply(t *testing.T) {
	host := plugin.NewHost(nil)
	censor := &testEventPlugin{name: "censor", handlers: map[string]plugin.EventHandler{
		plugin.EventNormalMessageResponded: func(_ context.Context, ec *plugin.EventContext) error {
			ec.PreventDefault()
			return nil
		},
	}}
	if err := host.Register(context.Background(), censor); err != nil {
		t.Fatal(err)
	}
	stage := NewResponseWrapperStage(host, nil)

	query := personQuery(testSnapshot(), 2, "hi")
	query.RespMessages = append(query.RespMessages,
		&models.Message{Role: models.RoleAssistant, Content: "answer"})

	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("suppressed reply should interrupt, got %+v, %v", res, err)
	}

	// Command returns bypass the responded event.
	query2 := personQuery(testSnapshot(), 2, "hi")
	query2.IsCommand = true
	query2.RespMessages = append(query2.RespMessages,
		&models.Message{Role: models.RoleAssistant, Content: "✅ 已重置"})
	res, err = stage.Process(context.Background(), query2)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("command returns must not be suppressible, got %+v, %v", res, err)
	}
}
