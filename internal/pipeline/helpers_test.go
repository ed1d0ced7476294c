package pipeline

import (
	"context"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Command:  config.DefaultCommand(),
		Pipeline: config.DefaultPipeline(),
		Platform: config.DefaultPlatform(),
		Provider: config.DefaultProvider(),
		System:   config.DefaultSystem(),
	}
}

func personQuery(snap *config.Snapshot, senderID int64, text string) *entities.Query {
	event := &models.FriendMessage{Sender: models.Friend{ID: senderID}}
	return entities.NewQuery(models.LauncherPerson, senderID, senderID,
		event, models.NewPlainChain(text), nil, snap)
}

func groupQuery(snap *config.Snapshot, groupID, senderID int64, chain models.MessageChain) *entities.Query {
	event := &models.GroupMessage{Sender: models.GroupMember{
		ID:    senderID,
		Group: models.Group{ID: groupID},
	}}
	return entities.NewQuery(models.LauncherGroup, groupID, senderID,
		event, chain, nil, snap)
}

// fakeStage is a scripted stage for controller tests.
type fakeStage struct {
	name    string
	process func(ctx context.Context, query *entities.Query) (*Result, error)
	calls   int
}

func (s *fakeStage) Name() string { return s.name }

func (s *fakeStage) Initialize(_ context.Context) error { return nil }

func (s *fakeStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	s.calls++
	if s.process == nil {
		return Continue(), nil
	}
	return s.process(ctx, query)
}
