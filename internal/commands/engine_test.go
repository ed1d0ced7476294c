package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/sessions"
	"github.com/RockChinQ/LangBot/internal/tools"
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

func testEngine(t *testing.T, snap *config.Snapshot) *Engine {
	t.Helper()
	configfn := func() *config.Snapshot { return snap }
	host := plugin.NewHost(nil)
	sessmgr := sessions.NewManager(configfn, nil, host, tools.NewManager(nil, nil), nil, nil)
	e, err := NewEngine(sessmgr, nil, host, configfn, "test", nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func personQuery(snap *config.Snapshot, senderID int64) *entities.Query {
	event := &models.FriendMessage{Sender: models.Friend{ID: senderID}}
	return entities.NewQuery(models.LauncherPerson, senderID, senderID,
		event, models.NewPlainChain("!cmd"), nil, snap)
}

func groupQuery(snap *config.Snapshot, senderID int64, perm models.GroupPermission) *entities.Query {
	event := &models.GroupMessage{Sender: models.GroupMember{
		ID:         senderID,
		Group:      models.Group{ID: 777},
		Permission: perm,
	}}
	return entities.NewQuery(models.LauncherGroup, 777, senderID,
		event, models.NewPlainChain("!cmd"), nil, snap)
}

func drain(ch <-chan Return) []Return {
	var out []Return
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestExecuteUnknownCommand(t *testing.T) {
	snap := testSnapshot()
	e := testEngine(t, snap)

	returns := drain(e.Execute(context.Background(), personQuery(snap, 1), "frobnicate"))
	if len(returns) != 1 || returns[0].Error == nil {
		t.Fatalf("expected a single error return, got %+v", returns)
	}
	if !strings.Contains(returns[0].Error.Error(), "未知指令") {
		t.Fatalf("unexpected error text: %v", returns[0].Error)
	}
}

func TestExecuteEmptyCommand(t *testing.T) {
	snap := testSnapshot()
	e := testEngine(t, snap)

	returns := drain(e.Execute(context.Background(), personQuery(snap, 1), "   "))
	if len(returns) != 1 || returns[0].Error == nil {
		t.Fatalf("expected a single error return, got %+v", returns)
	}
}

func TestExecuteRejectsSpaceAfterPrefix(t *testing.T) {
	snap := testSnapshot()
	e := testEngine(t, snap)

	// "! help" leaves " help" after prefix stripping; it must not route
	// like "!help".
	for _, text := range []string{" help", "\thelp", "　help"} {
		returns := drain(e.Execute(context.Background(), personQuery(snap, 1), text))
		if len(returns) != 1 || returns[0].Error == nil {
			t.Fatalf("%q: expected a single error return, got %+v", text, returns)
		}
		if entities.KindOf(returns[0].Error) != entities.ErrCommand {
			t.Fatalf("%q: error kind = %v", text, entities.KindOf(returns[0].Error))
		}
		if strings.Contains(returns[0].Error.Error(), "指令列表") {
			t.Fatalf("%q routed to help: %v", text, returns[0].Error)
		}
	}
}

func TestExecuteGroupNodeWithoutHandlerShowsUsage(t *testing.T) {
	snap := testSnapshot()
	e := testEngine(t, snap)
	err := e.Registry().Register(&Command{
		Name:  "cfg",
		Usage: "!cfg set <key> <value>",
		Sub: map[string]*Command{
			"set": {Name: "set", Handler: noopHandler},
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	returns := drain(e.Execute(context.Background(), personQuery(snap, 1), "cfg"))
	if len(returns) != 1 || returns[0].Error == nil {
		t.Fatalf("expected a usage error, got %+v", returns)
	}
	if !strings.Contains(returns[0].Error.Error(), "!cfg set") {
		t.Fatalf("usage text missing: %v", returns[0].Error)
	}
}

func TestExecutePrivilege(t *testing.T) {
	snap := testSnapshot()
	snap.Platform.BotAdmins = []int64{900}

	e := testEngine(t, snap)
	ran := make(map[string]bool)
	mustRegister := func(cmd *Command) {
		t.Helper()
		if err := e.Registry().Register(cmd); err != nil {
			t.Fatalf("register %s: %v", cmd.Name, err)
		}
	}
	mustRegister(&Command{Name: "admonly", Privilege: PrivilegeBotAdmin,
		Handler: func(_ context.Context, _ *Invocation, _ chan<- Return) { ran["admonly"] = true }})
	mustRegister(&Command{Name: "gaonly", Privilege: PrivilegeGroupAdmin,
		Handler: func(_ context.Context, _ *Invocation, _ chan<- Return) { ran["gaonly"] = true }})

	tests := []struct {
		name    string
		query   *entities.Query
		command string
		allowed bool
	}{
		{"everyone refused bot-admin command", personQuery(snap, 1), "admonly", false},
		{"bot admin allowed", personQuery(snap, 900), "admonly", true},
		{"member refused group-admin command", groupQuery(snap, 2, models.PermissionMember), "gaonly", false},
		{"group admin allowed", groupQuery(snap, 2, models.PermissionAdministrator), "gaonly", true},
		{"group owner allowed", groupQuery(snap, 2, models.PermissionOwner), "gaonly", true},
		{"bot admin outranks group admin", groupQuery(snap, 900, models.PermissionMember), "gaonly", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k := range ran {
				delete(ran, k)
			}
			returns := drain(e.Execute(context.Background(), tt.query, tt.command))
			if tt.allowed {
				if len(returns) != 0 || !ran[tt.command] {
					t.Fatalf("expected handler to run, returns=%+v ran=%v", returns, ran)
				}
				return
			}
			if ran[tt.command] {
				t.Fatalf("handler must not run without privilege")
			}
			if len(returns) != 1 || returns[0].Error == nil ||
				!strings.Contains(returns[0].Error.Error(), "权限不足") {
				t.Fatalf("expected a refusal, got %+v", returns)
			}
		})
	}
}

func TestConfigPrivilegeOverride(t *testing.T) {
	snap := testSnapshot()
	snap.Command.Privilege = map[string]int{"open": int(PrivilegeBotAdmin)}

	e := testEngine(t, snap)
	ran := false
	if err := e.Registry().Register(&Command{Name: "open", Privilege: PrivilegeEveryone,
		Handler: func(_ context.Context, _ *Invocation, _ chan<- Return) { ran = true }}); err != nil {
		t.Fatalf("register: %v", err)
	}

	returns := drain(e.Execute(context.Background(), personQuery(snap, 1), "open"))
	if ran || len(returns) != 1 || returns[0].Error == nil {
		t.Fatalf("config override should raise the requirement, got %+v ran=%v", returns, ran)
	}
}
