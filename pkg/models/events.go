package models

import "time"

// LauncherType identifies the conversation bucket kind a message
// originates from.
type LauncherType string

const (
	LauncherPerson LauncherType = "person"
	LauncherGroup  LauncherType = "group"
)

// GroupPermission is a sender's permission level inside a group.
type GroupPermission string

const (
	PermissionMember        GroupPermission = "MEMBER"
	PermissionAdministrator GroupPermission = "ADMINISTRATOR"
	PermissionOwner         GroupPermission = "OWNER"
)

// Friend is a direct-message contact.
type Friend struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
}

// Group is a chat group.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// GroupMember is a sender inside a group.
type GroupMember struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Group      Group           `json:"group"`
	Permission GroupPermission `json:"permission"`
}

// MessageEvent is a typed inbound platform event. The original event is
// retained on the query for quoting and reply context.
type MessageEvent interface {
	// EventType returns the platform event kind ("FriendMessage" or
	// "GroupMessage").
	EventType() string
	// Chain returns the message chain carried by the event.
	Chain() MessageChain
	// SenderID returns the platform id of the sender.
	SenderID() int64
	// LauncherID returns the conversation bucket id (friend id or
	// group id).
	LauncherID() int64
}

// FriendMessage is a direct message from a contact.
type FriendMessage struct {
	Sender       Friend       `json:"sender"`
	MessageChain MessageChain `json:"message_chain"`
	Time         time.Time    `json:"time"`
}

func (FriendMessage) EventType() string      { return "FriendMessage" }
func (e *FriendMessage) Chain() MessageChain { return e.MessageChain }
func (e *FriendMessage) SenderID() int64     { return e.Sender.ID }
func (e *FriendMessage) LauncherID() int64   { return e.Sender.ID }

// GroupMessage is a message sent in a group.
type GroupMessage struct {
	Sender       GroupMember  `json:"sender"`
	MessageChain MessageChain `json:"message_chain"`
	Time         time.Time    `json:"time"`
}

func (GroupMessage) EventType() string      { return "GroupMessage" }
func (e *GroupMessage) Chain() MessageChain { return e.MessageChain }
func (e *GroupMessage) SenderID() int64     { return e.Sender.ID }
func (e *GroupMessage) LauncherID() int64   { return e.Sender.Group.ID }
