// Package bot handles subscriber conversations: registration, position
// updates and per-kind watch lists.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sightbot/internal/geo"
	"sightbot/internal/pokedex"
	"sightbot/internal/sighting"
	"sightbot/internal/storage"
	kit "sightbot/internal/transport"
	logx "sightbot/pkg/logx"
	"sightbot/pkg/tgui"
)

// Store is the subscriber directory as seen by the bot.
type Store interface {
	TouchSubscriber(ctx context.Context, chatID sighting.Recipient, now time.Time) (storage.Subscriber, bool, error)
	SetLocation(ctx context.Context, chatID sighting.Recipient, pos geo.Position) error
	SetEnabled(ctx context.Context, chatID sighting.Recipient, enabled bool) error
	AddAlert(ctx context.Context, chatID sighting.Recipient, kind int) (bool, error)
	RemoveAlert(ctx context.Context, chatID sighting.Recipient, kind int) (bool, error)
	Alerts(ctx context.Context, chatID sighting.Recipient) ([]int, error)
}

type Request struct {
	Update     kit.Update
	Subscriber storage.Subscriber
	Created    bool
	Command    string
	Args       []string
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Handle      HandlerFunc
}

const (
	msgGreeting        = "Hi! I watch the map and tell you when something shows up near you."
	msgAskLocation     = "Share your location and I will start sending alerts around it."
	msgLocationUpdated = "Location updated. I will let you know as soon as something appears nearby :)"
	msgStopped         = "Alerts paused. Share your location again to resume."
	msgWatchlistEmpty  = "Your watch list is empty. Add one with <code>/watch &lt;name or number&gt;</code>."
)

type Bot struct {
	store   Store
	msg     kit.Messenger
	log     logx.Logger
	now     func() time.Time
	timeout time.Duration

	cmds    []*Command
	byName  map[string]*Command
	handler HandlerFunc
}

type Option func(*Bot)

func WithClock(now func() time.Time) Option { return func(b *Bot) { b.now = now } }
func WithTimeout(d time.Duration) Option { return func(b *Bot) { b.timeout = d } }

func New(store Store, msg kit.Messenger, log logx.Logger, opts ...Option) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		store:   store,
		msg:     msg,
		log:     log,
		now:     time.Now,
		timeout: 15 * time.Second,
		byName:  map[string]*Command{},
	}
	for _, o := range opts {
		o(b)
	}
	b.register()
	b.handler = Chain(b.route, MWPanicRecover(b.log), MWRequestLog(b.log), MWTimeout(b.timeout))
	return b
}

func (b *Bot) register() {
	add := func(c *Command) {
		b.cmds = append(b.cmds, c)
		b.byName[c.Name] = c
		for _, a := range c.Aliases {
			b.byName[a] = c
		}
	}
	add(&Command{Name: "start", Description: "Start receiving alerts", Handle: b.cmdStart})
	add(&Command{Name: "watch", Aliases: []string{"add"}, Description: "Get alerts for a kind farther away", Usage: "/watch <name or number>", Handle: b.cmdWatch})
	add(&Command{Name: "unwatch", Aliases: []string{"remove", "rm"}, Description: "Stop watching a kind", Usage: "/unwatch <name or number>", Handle: b.cmdUnwatch})
	add(&Command{Name: "list", Description: "Show your watch list", Handle: b.cmdList})
	add(&Command{Name: "stop", Description: "Pause all alerts", Handle: b.cmdStop})
	add(&Command{Name: "help", Description: "Show commands", Handle: b.cmdHelp})
}

// Commands lists the menu entries in registration order.
func (b *Bot) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(b.cmds))
	for _, c := range b.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run handles updates until ctx is canceled or in is closed. Handler errors
// are logged and never stop the loop.
func (b *Bot) Run(ctx context.Context, in <-chan kit.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-in:
			if !ok {
				return nil
			}
			_ = b.Handle(ctx, up)
		}
	}
}

// Handle processes one inbound message. Group chats are ignored.
func (b *Bot) Handle(ctx context.Context, up kit.Update) error {
	if up.IsGroup {
		return nil
	}
	req := &Request{Update: up}
	if cmd, args, ok := parseCommand(up.Text); ok {
		req.Command, req.Args = cmd, args
	}
	return b.handler(ctx, req)
}

func (b *Bot) route(ctx context.Context, req *Request) error {
	up := req.Update
	chat := sighting.Recipient(up.ChatID)

	sub, created, err := b.store.TouchSubscriber(ctx, chat, b.now())
	if err != nil {
		return fmt.Errorf("touch subscriber: %w", err)
	}
	req.Subscriber, req.Created = sub, created
	if created {
		b.log.Info("new subscriber", logx.Int64("chat_id", up.ChatID), logx.String("username", up.FromUsername))
		if err := b.reply(ctx, up.ChatID, msgGreeting, false); err != nil {
			return err
		}
	}

	if up.Location != nil {
		if err := b.store.SetLocation(ctx, chat, *up.Location); err != nil {
			return fmt.Errorf("set location: %w", err)
		}
		return b.reply(ctx, up.ChatID, msgLocationUpdated, false)
	}

	if req.Command == "" {
		if created {
			return b.reply(ctx, up.ChatID, msgAskLocation, true)
		}
		return nil
	}
	c, ok := b.byName[req.Command]
	if !ok {
		return b.reply(ctx, up.ChatID, b.helpText(), false)
	}
	return c.Handle(ctx, req)
}

// parseCommand splits "/watch@my_bot dratini" into ("watch", ["dratini"]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(name), fields[1:], true
}

// reply sends text in HTML parse mode; callers escape user input with tgui.
func (b *Bot) reply(ctx context.Context, chatID int64, text string, askLocation bool) error {
	if b.msg == nil {
		return nil
	}
	return b.msg.SendMessage(ctx, chatID, text, &kit.SendOptions{
		ParseMode:       tgui.ParseMode,
		DisablePreview:  true,
		RequestLocation: askLocation,
	})
}

func (b *Bot) cmdStart(ctx context.Context, req *Request) error {
	if req.Subscriber.Position != nil && !req.Subscriber.Enabled {
		if err := b.store.SetEnabled(ctx, sighting.Recipient(req.Update.ChatID), true); err != nil {
			return err
		}
		return b.reply(ctx, req.Update.ChatID, "Alerts resumed at your last location.", true)
	}
	return b.reply(ctx, req.Update.ChatID, msgAskLocation, true)
}

func (b *Bot) cmdStop(ctx context.Context, req *Request) error {
	if err := b.store.SetEnabled(ctx, sighting.Recipient(req.Update.ChatID), false); err != nil {
		return err
	}
	return b.reply(ctx, req.Update.ChatID, msgStopped, false)
}

var errUsage = errors.New("usage")

func kindArg(args []string) (int, error) {
	if len(args) == 0 {
		return 0, errUsage
	}
	kind, ok := pokedex.Lookup(strings.Join(args, " "))
	if !ok {
		return 0, fmt.Errorf("unknown %q", strings.Join(args, " "))
	}
	return kind, nil
}

func (b *Bot) kindOrReply(ctx context.Context, req *Request, usage string) (int, bool, error) {
	kind, err := kindArg(req.Args)
	switch {
	case errors.Is(err, errUsage):
		return 0, false, b.reply(ctx, req.Update.ChatID, "Usage: "+tgui.Code(usage).String(), false)
	case err != nil:
		return 0, false, b.reply(ctx, req.Update.ChatID, "I don't know "+tgui.B(strings.Join(req.Args, " ")).String()+".", false)
	}
	return kind, true, nil
}

func (b *Bot) cmdWatch(ctx context.Context, req *Request) error {
	kind, ok, err := b.kindOrReply(ctx, req, "/watch <name or number>")
	if !ok {
		return err
	}
	added, err := b.store.AddAlert(ctx, sighting.Recipient(req.Update.ChatID), kind)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Watching %s (#%d).", tgui.B(pokedex.Name(kind)), kind)
	if !added {
		text = fmt.Sprintf("%s is already on your watch list.", tgui.B(pokedex.Name(kind)))
	}
	return b.reply(ctx, req.Update.ChatID, text, false)
}

func (b *Bot) cmdUnwatch(ctx context.Context, req *Request) error {
	kind, ok, err := b.kindOrReply(ctx, req, "/unwatch <name or number>")
	if !ok {
		return err
	}
	removed, err := b.store.RemoveAlert(ctx, sighting.Recipient(req.Update.ChatID), kind)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Stopped watching %s.", tgui.B(pokedex.Name(kind)))
	if !removed {
		text = fmt.Sprintf("%s was not on your watch list.", tgui.B(pokedex.Name(kind)))
	}
	return b.reply(ctx, req.Update.ChatID, text, false)
}

func (b *Bot) cmdList(ctx context.Context, req *Request) error {
	kinds, err := b.store.Alerts(ctx, sighting.Recipient(req.Update.ChatID))
	if err != nil {
		return err
	}
	if len(kinds) == 0 {
		return b.reply(ctx, req.Update.ChatID, msgWatchlistEmpty, false)
	}
	items := make([]tgui.H, 0, len(kinds))
	for _, k := range kinds {
		items = append(items, tgui.H(fmt.Sprintf("%s (#%d)", tgui.B(pokedex.Name(k)), k)))
	}
	return b.reply(ctx, req.Update.ChatID, tgui.Bullets("Watching:", items...).String(), false)
}

func (b *Bot) cmdHelp(ctx context.Context, req *Request) error {
	return b.reply(ctx, req.Update.ChatID, b.helpText(), false)
}

func (b *Bot) helpText() string {
	cmds := append([]*Command(nil), b.cmds...)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	lines := []tgui.H{"Commands:"}
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		lines = append(lines, tgui.Code(usage)+" - "+tgui.Esc(c.Description))
	}
	return tgui.Join("\n", lines...).String()
}
