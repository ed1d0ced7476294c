package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/pkg/models"
)

func (e *Engine) registerBuiltins() error {
	builtins := []*Command{
		{
			Name:        "help",
			Description: "显示帮助",
			Usage:       "!help",
			Handler:     e.cmdHelp,
		},
		{
			Name:        "reset",
			Description: "重置当前会话",
			Usage:       "!reset",
			Handler:     e.cmdReset,
		},
		{
			Name:        "prompt",
			Description: "查看当前会话的系统提示词",
			Usage:       "!prompt",
			Handler:     e.cmdPrompt,
		},
		{
			Name:        "list",
			Description: "列出会话中的对话",
			Usage:       "!list",
			Handler:     e.cmdList,
		},
		{
			Name:        "last",
			Description: "切换到上一个对话",
			Usage:       "!last",
			Handler:     e.cmdLast,
		},
		{
			Name:        "next",
			Description: "切换到下一个对话",
			Usage:       "!next",
			Handler:     e.cmdNext,
		},
		{
			Name:        "del",
			Description: "删除对话",
			Usage:       "!del <序号> | !del all",
			Handler:     e.cmdDel,
			Sub: map[string]*Command{
				"all": {
					Name:        "all",
					Description: "删除所有对话",
					Usage:       "!del all",
					Handler:     e.cmdDelAll,
				},
			},
		},
		{
			Name:        "plugin",
			Description: "插件管理",
			Usage:       "!plugin | !plugin on <名称> | !plugin off <名称>",
			Handler:     e.cmdPluginList,
			Sub: map[string]*Command{
				"on": {
					Name:        "on",
					Description: "启用插件",
					Usage:       "!plugin on <名称>",
					Privilege:   PrivilegeBotAdmin,
					Handler:     e.cmdPluginOn,
				},
				"off": {
					Name:        "off",
					Description: "禁用插件",
					Usage:       "!plugin off <名称>",
					Privilege:   PrivilegeBotAdmin,
					Handler:     e.cmdPluginOff,
				},
			},
		},
		{
			Name:        "model",
			Description: "模型管理",
			Usage:       "!model | !model set <名称>",
			Handler:     e.cmdModelList,
			Sub: map[string]*Command{
				"set": {
					Name:        "set",
					Description: "切换当前对话使用的模型",
					Usage:       "!model set <名称>",
					Privilege:   PrivilegeBotAdmin,
					Handler:     e.cmdModelSet,
				},
			},
		},
		{
			Name:        "resend",
			Description: "重新发送上一条消息",
			Usage:       "!resend",
			Handler:     e.cmdResend,
		},
		{
			Name:        "draw",
			Description: "生成图片",
			Usage:       "!draw <描述>",
			Handler:     e.cmdDraw,
		},
		{
			Name:        "version",
			Description: "显示版本",
			Usage:       "!version",
			Handler:     e.cmdVersion,
		},
	}
	for _, cmd := range builtins {
		if err := e.registry.Register(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) cmdHelp(_ context.Context, _ *Invocation, out chan<- Return) {
	var sb strings.Builder
	sb.WriteString("指令列表:\n")
	for _, cmd := range e.registry.Roots() {
		fmt.Fprintf(&sb, "  %s - %s\n", cmd.Usage, cmd.Description)
	}
	sb.WriteString("详情参考文档")
	out <- Return{Text: sb.String()}
}

func (e *Engine) cmdReset(ctx context.Context, inv *Invocation, out chan<- Return) {
	if err := e.sessmgr.Reset(ctx, inv.Session); err != nil {
		out <- Return{Error: err}
		return
	}
	out <- Return{Text: "✅ 会话已重置"}
}

func (e *Engine) cmdPrompt(_ context.Context, inv *Invocation, out chan<- Return) {
	conv := inv.Session.Using()
	if conv == nil {
		out <- Return{Text: "当前无对话"}
		return
	}
	var sb strings.Builder
	sb.WriteString("当前对话所使用的提示词:\n")
	for _, msg := range conv.Prompt.Messages {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.ReadableText())
	}
	if len(conv.Prompt.Messages) == 0 {
		sb.WriteString("(空)")
	}
	out <- Return{Text: strings.TrimRight(sb.String(), "\n")}
}

func (e *Engine) cmdList(_ context.Context, inv *Invocation, out chan<- Return) {
	convs := inv.Session.Conversations()
	if len(convs) == 0 {
		out <- Return{Text: "当前无对话"}
		return
	}
	using := inv.Session.Using()
	var sb strings.Builder
	sb.WriteString("对话列表:\n")
	for i, conv := range convs {
		marker := " "
		if conv == using {
			marker = "*"
		}
		preview := firstUserText(conv)
		fmt.Fprintf(&sb, "%s [%d] %s %s\n", marker, i,
			conv.CreatedAt.Format("01-02 15:04"), preview)
	}
	out <- Return{Text: strings.TrimRight(sb.String(), "\n")}
}

func firstUserText(conv *entities.Conversation) string {
	for i := range conv.Messages {
		if conv.Messages[i].Role == models.RoleUser {
			text := conv.Messages[i].ReadableText()
			if len(text) > 20 {
				return text[:20] + "..."
			}
			return text
		}
	}
	return "(新对话)"
}

func (e *Engine) cmdLast(_ context.Context, inv *Invocation, out chan<- Return) {
	conv, err := inv.Session.SwitchDelta(-1)
	if err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "已经是第一个对话了", err)}
		return
	}
	out <- Return{Text: "✅ 已切换到对话 " + conv.CreatedAt.Format("01-02 15:04")}
}

func (e *Engine) cmdNext(_ context.Context, inv *Invocation, out chan<- Return) {
	conv, err := inv.Session.SwitchDelta(1)
	if err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "已经是最后一个对话了", err)}
		return
	}
	out <- Return{Text: "✅ 已切换到对话 " + conv.CreatedAt.Format("01-02 15:04")}
}

func (e *Engine) cmdDel(_ context.Context, inv *Invocation, out chan<- Return) {
	if len(inv.Tokens) == 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "用法: !del <序号> | !del all", nil)}
		return
	}
	idx, err := strconv.Atoi(inv.Tokens[0])
	if err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "序号必须是数字", err)}
		return
	}
	convs := inv.Session.Conversations()
	if idx < 0 || idx >= len(convs) {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("序号超出范围: %d", idx), nil)}
		return
	}
	inv.Session.RemoveConversation(convs[idx])
	out <- Return{Text: fmt.Sprintf("✅ 已删除对话 %d", idx)}
}

func (e *Engine) cmdDelAll(_ context.Context, inv *Invocation, out chan<- Return) {
	convs := inv.Session.Conversations()
	for _, conv := range convs {
		inv.Session.RemoveConversation(conv)
	}
	inv.Session.SetUsing(nil)
	out <- Return{Text: fmt.Sprintf("✅ 已删除 %d 个对话", len(convs))}
}

func (e *Engine) cmdPluginList(_ context.Context, _ *Invocation, out chan<- Return) {
	list := e.host.List()
	if len(list) == 0 {
		out <- Return{Text: "未安装插件"}
		return
	}
	var sb strings.Builder
	sb.WriteString("插件列表:\n")
	for _, status := range list {
		state := "启用"
		if !status.Enabled {
			state = "禁用"
		}
		fmt.Fprintf(&sb, "  %s %s [%s] %s\n", status.Manifest.Name,
			status.Manifest.Version, state, status.Manifest.Description)
	}
	out <- Return{Text: strings.TrimRight(sb.String(), "\n")}
}

func (e *Engine) cmdPluginOn(_ context.Context, inv *Invocation, out chan<- Return) {
	e.setPluginEnabled(inv, out, true)
}

func (e *Engine) cmdPluginOff(_ context.Context, inv *Invocation, out chan<- Return) {
	e.setPluginEnabled(inv, out, false)
}

func (e *Engine) setPluginEnabled(inv *Invocation, out chan<- Return, enabled bool) {
	if len(inv.Tokens) == 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "缺少插件名称", nil)}
		return
	}
	name := inv.Tokens[0]
	if err := e.host.SetEnabled(name, enabled); err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("插件 %s 不存在", name), err)}
		return
	}
	state := "启用"
	if !enabled {
		state = "禁用"
	}
	out <- Return{Text: fmt.Sprintf("✅ 已%s插件 %s", state, name)}
}

func (e *Engine) cmdModelList(_ context.Context, inv *Invocation, out chan<- Return) {
	var sb strings.Builder
	sb.WriteString("模型列表:\n")
	current := ""
	if conv := inv.Session.Using(); conv != nil {
		current = conv.UseModel
	}
	for _, model := range e.models.List() {
		marker := " "
		if model.Name == current {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %s (%s)\n", marker, model.Name, model.Requester.Name())
	}
	out <- Return{Text: strings.TrimRight(sb.String(), "\n")}
}

func (e *Engine) cmdModelSet(_ context.Context, inv *Invocation, out chan<- Return) {
	if len(inv.Tokens) == 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "用法: !model set <名称>", nil)}
		return
	}
	name := inv.Tokens[0]
	if _, err := e.models.GetModel(name); err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("模型 %s 未配置", name), err)}
		return
	}
	conv := e.sessmgr.EnsureConversation(inv.Session, inv.Query.Pipeline)
	conv.UseModel = name
	out <- Return{Text: "✅ 当前对话已切换到模型 " + name}
}

// cmdResend drops history back to the last user message and runs it
// through the pipeline again.
func (e *Engine) cmdResend(ctx context.Context, inv *Invocation, out chan<- Return) {
	if e.Requeue == nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "resend 不可用", nil)}
		return
	}
	conv := inv.Session.Using()
	if conv == nil || len(conv.Messages) == 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "当前对话没有可重发的消息", nil)}
		return
	}
	lastUser := -1
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "当前对话没有可重发的消息", nil)}
		return
	}
	text := conv.Messages[lastUser].ReadableText()
	conv.Messages = conv.Messages[:lastUser]
	conv.TokenCounts = conv.TokenCounts[:lastUser]

	requery := entities.NewQuery(
		inv.Query.LauncherType, inv.Query.LauncherID, inv.Query.SenderID,
		inv.Query.MessageEvent, models.NewPlainChain(text), inv.Query.Adapter, inv.Query.Pipeline)
	if err := e.Requeue(ctx, requery); err != nil {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "重发失败", err)}
		return
	}
	out <- Return{Text: "🔄 正在重新生成..."}
}

// cmdDraw generates an image with the active model's requester when it
// supports image generation.
func (e *Engine) cmdDraw(ctx context.Context, inv *Invocation, out chan<- Return) {
	if inv.RawArgs == "" {
		out <- Return{Error: entities.NewError(entities.ErrCommand, "用法: !draw <描述>", nil)}
		return
	}
	conv := e.sessmgr.EnsureConversation(inv.Session, inv.Query.Pipeline)
	model, err := e.models.GetModel(conv.UseModel)
	if err != nil {
		out <- Return{Error: err}
		return
	}
	gen, ok := model.Requester.(provider.ImageGenerator)
	if !ok {
		out <- Return{Error: entities.NewError(entities.ErrCommand,
			fmt.Sprintf("模型 %s 不支持图片生成", model.Name), nil)}
		return
	}
	url, err := gen.GenerateImage(ctx, model, inv.RawArgs)
	if err != nil {
		out <- Return{Error: err}
		return
	}
	out <- Return{ImageURL: url}
}

func (e *Engine) cmdVersion(_ context.Context, _ *Invocation, out chan<- Return) {
	out <- Return{Text: "LangBot " + e.version}
}
