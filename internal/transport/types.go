// Package transport holds the chat-platform neutral types shared by the bot
// and the platform adapters.
package transport

import (
	"context"

	"sightbot/internal/geo"
)

// Update is one inbound chat message: text, a shared location, or both.
type Update struct {
	ChatID       int64
	MessageID    int
	FromID       int64
	FromUsername string
	Text         string
	Location     *geo.Position
	IsGroup      bool
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
	// RequestLocation attaches a reply keyboard asking the user to share
	// their location.
	RequestLocation bool
}

// Messenger sends free-form replies.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opt *SendOptions) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
