package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/internal/sessions"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Engine parses and executes commands. The message-processor stage
// hands it the text with the command prefix already stripped.
type Engine struct {
	registry *Registry
	sessmgr  *sessions.Manager
	models   *provider.ModelManager
	host     *plugin.Host
	configfn func() *config.Snapshot
	version  string
	logger   *slog.Logger

	// Requeue re-enqueues a query into the pipeline; injected by the
	// application to keep this package out of the pipeline's imports.
	Requeue func(ctx context.Context, query *entities.Query) error
}

// NewEngine wires the command engine and registers the built-ins.
func NewEngine(sessmgr *sessions.Manager, mm *provider.ModelManager, host *plugin.Host, configfn func() *config.Snapshot, version string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		registry: NewRegistry(logger),
		sessmgr:  sessmgr,
		models:   mm,
		host:     host,
		configfn: configfn,
		version:  version,
		logger:   logger.With("component", "commands"),
	}
	if err := e.registerBuiltins(); err != nil {
		return nil, err
	}
	return e, nil
}

// Registry exposes the command tree, for help rendering and tests.
func (e *Engine) Registry() *Registry { return e.registry }

// Execute parses text and runs the matched command, streaming returns.
// The channel closes when the command finishes.
func (e *Engine) Execute(ctx context.Context, query *entities.Query, text string) <-chan Return {
	out := make(chan Return, 4)
	go func() {
		defer close(out)
		e.execute(ctx, query, text, out)
	}()
	return out
}

func (e *Engine) execute(ctx context.Context, query *entities.Query, text string, out chan<- Return) {
	// The command name must follow the prefix immediately: "! help" is
	// not a command, matching how the text was typed.
	if r, _ := utf8.DecodeRuneInString(text); unicode.IsSpace(r) {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			"指令前缀后不能有空格, 使用 !help 查看帮助", nil)}
		return
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "空指令, 使用 !help 查看帮助", nil)}
		return
	}

	node, path, rest := e.registry.Resolve(tokens)
	if node == nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("未知指令: %s, 使用 !help 查看帮助", tokens[0]), nil)}
		return
	}
	if node.Handler == nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("用法: %s", node.Usage), nil)}
		return
	}

	caller := e.callerPrivilege(query)
	required := e.requiredPrivilege(node, path)
	if caller < required {
		e.logger.Info("command refused",
			"path", path, "sender", query.SenderID,
			"caller", caller.String(), "required", required.String())
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("权限不足: 该指令需要 %s 权限", required), nil)}
		return
	}

	inv := &Invocation{
		Query:     query,
		Session:   query.Session,
		Tokens:    rest,
		RawArgs:   strings.Join(rest, " "),
		Path:      path,
		Privilege: caller,
	}
	e.logger.Debug("executing command", "path", path, "sender", query.SenderID)
	node.Handler(ctx, inv, out)
}

// callerPrivilege resolves the sender's level: the platform bundle's
// bot-admins list first, then group permission, then everyone.
func (e *Engine) callerPrivilege(query *entities.Query) Privilege {
	platform := e.configfn().Platform
	for _, id := range platform.BotAdmins {
		if id == query.SenderID {
			return PrivilegeBotAdmin
		}
	}
	if gm, ok := query.MessageEvent.(*models.GroupMessage); ok {
		switch gm.Sender.Permission {
		case models.PermissionAdministrator, models.PermissionOwner:
			return PrivilegeGroupAdmin
		}
	}
	return PrivilegeEveryone
}

// requiredPrivilege reads the node's level, with the command bundle's
// per-path override taking precedence.
func (e *Engine) requiredPrivilege(node *Command, path string) Privilege {
	if override, ok := e.configfn().Command.Privilege[path]; ok {
		return Privilege(override)
	}
	if node.Privilege > 0 {
		return node.Privilege
	}
	return PrivilegeEveryone
}
