package pipeline

import (
	"context"
	"testing"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func TestGroupRespondRulePersonAlwaysPasses(t *testing.T) {
	stage := NewGroupRespondRuleStage(nil)
	snap := testSnapshot()

	res, err := stage.Process(context.Background(), personQuery(snap, 1, "hello"))
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("direct messages must bypass respond rules, got %v, %v", res, err)
	}
}

func TestGroupRespondRuleAt(t *testing.T) {
	stage := NewGroupRespondRuleStage(nil)
	snap := testSnapshot()

	mentioned := groupQuery(snap, 10, 2, models.MessageChain{
		models.At{Target: 5000},
		models.Plain{Text: "hello"},
	})
	mentioned.SelfID = 5000
	res, err := stage.Process(context.Background(), mentioned)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("mention should pass, got %v, %v", res, err)
	}

	plain := groupQuery(snap, 10, 2, models.NewPlainChain("hello"))
	plain.SelfID = 5000
	res, err = stage.Process(context.Background(), plain)
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("unmentioned group chatter should be dropped, got %v, %v", res, err)
	}
}

func TestGroupRespondRulePrefixStripsMatch(t *testing.T) {
	stage := NewGroupRespondRuleStage(nil)
	snap := testSnapshot()
	snap.Pipeline.Trigger.GroupRespondRules = map[string]config.RespondRule{
		"default": {Prefix: []string{"bot"}},
	}

	query := groupQuery(snap, 10, 2, models.NewPlainChain("bot 讲个笑话"))
	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("prefixed message should pass, got %v, %v", res, err)
	}
	if got := query.MessageChain.PlainText(); got != "讲个笑话" {
		t.Fatalf("prefix should be stripped, got %q", got)
	}
}

func TestGroupRespondRuleRegexp(t *testing.T) {
	stage := NewGroupRespondRuleStage(nil)
	snap := testSnapshot()
	snap.Pipeline.Trigger.GroupRespondRules = map[string]config.RespondRule{
		"default": {Regexp: []string{"[(", "天气$"}},
	}

	// The broken pattern is skipped; the valid one still matches.
	query := groupQuery(snap, 10, 2, models.NewPlainChain("今天什么天气"))
	res, err := stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("regexp match should pass, got %v, %v", res, err)
	}

	query = groupQuery(snap, 10, 2, models.NewPlainChain("random chatter"))
	res, err = stage.Process(context.Background(), query)
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("non-matching message should be dropped, got %v, %v", res, err)
	}
}

func TestGroupRespondRulePerGroupOverride(t *testing.T) {
	stage := NewGroupRespondRuleStage(nil)
	snap := testSnapshot()
	snap.Pipeline.Trigger.GroupRespondRules = map[string]config.RespondRule{
		"default": {At: true},
		"10":      {Random: 1.0},
	}

	// Group 10 answers everything; group 11 still wants a mention.
	res, err := stage.Process(context.Background(), groupQuery(snap, 10, 2, models.NewPlainChain("hey")))
	if err != nil || res.Action != ActionContinue {
		t.Fatalf("random=1.0 should always pass, got %v, %v", res, err)
	}

	res, err = stage.Process(context.Background(), groupQuery(snap, 11, 2, models.NewPlainChain("hey")))
	if err != nil || res.Action != ActionInterrupt {
		t.Fatalf("default rule should apply to other groups, got %v, %v", res, err)
	}
}
