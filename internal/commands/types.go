// Package commands implements the ! command dispatcher: a subcommand
// tree with per-node privilege requirements and streamed results.
package commands

import (
	"context"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Privilege orders the caller levels. Higher values may run everything
// a lower value may.
type Privilege int

const (
	PrivilegeEveryone   Privilege = 1
	PrivilegeGroupAdmin Privilege = 2
	PrivilegeBotAdmin   Privilege = 3
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeGroupAdmin:
		return "group-admin"
	case PrivilegeBotAdmin:
		return "bot-admin"
	default:
		return "everyone"
	}
}

// Return is one streamed result of a command. A command may send
// several before its channel closes.
type Return struct {
	Text     string
	ImageURL string
	Error    error
}

// Invocation carries one parsed command execution.
type Invocation struct {
	Query   *entities.Query
	Session *entities.Session

	// Tokens is the argument list after the matched command path.
	Tokens []string
	// RawArgs is the argument text joined as typed.
	RawArgs string
	// Path is the matched command path ("plugin.on").
	Path string

	// Privilege is the caller's resolved level.
	Privilege Privilege
}

// LauncherKey returns the invoking session's key.
func (inv *Invocation) LauncherKey() string {
	return inv.Query.LauncherKey()
}

// IsGroup reports whether the command came from a group.
func (inv *Invocation) IsGroup() bool {
	return inv.Query.LauncherType == models.LauncherGroup
}

// HandlerFunc executes a leaf command, streaming returns into out. The
// channel is owned by the engine; handlers must not close it.
type HandlerFunc func(ctx context.Context, inv *Invocation, out chan<- Return)

// Command is one node of the command tree. Group nodes have Sub and no
// Handler; leaves have a Handler.
type Command struct {
	Name        string
	Description string
	Usage       string
	Privilege   Privilege
	Handler     HandlerFunc
	Sub         map[string]*Command
}
