// Package adapter connects the pipeline to Telegram through telebot.
package adapter

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"sightbot/internal/geo"
	rtsup "sightbot/internal/runtime/supervisor"
	"sightbot/internal/sighting"
	kit "sightbot/internal/transport"
	logx "sightbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// LocationButton is the label of the reply keyboard button that asks
	// for the user's location.
	LocationButton string
	// Offline skips the getMe call at construction; used by tests.
	Offline bool
}

// Adapter implements dispatch.Sender, logx.ChatSink and kit.Messenger.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and its helpers. Created on Start, canceled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.LocationButton) == "" {
		cfg.LocationButton = "Share my location"
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if up, ok := toUpdate(c.Message()); ok {
			a.sendUpdate(up)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnLocation, forward)
}

func toUpdate(m *tele.Message) (kit.Update, bool) {
	if m == nil || m.Chat == nil {
		return kit.Update{}, false
	}
	up := kit.Update{
		ChatID:    m.Chat.ID,
		MessageID: m.ID,
		Text:      m.Text,
		IsGroup:   m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Sender != nil {
		up.FromID = m.Sender.ID
		up.FromUsername = m.Sender.Username
	}
	if m.Location != nil {
		up.Location = &geo.Position{Lat: float64(m.Location.Lat), Lon: float64(m.Location.Lng)}
	}
	if up.Text == "" && up.Location == nil {
		return kit.Update{}, false
	}
	return up, true
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

// Start begins long polling and forwards updates to out without blocking.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter failures must not take down the pipeline
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	report := func() {
		if n := a.droppedUpdates.Swap(0); n > 0 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start can return unexpectedly; restart it while the context lives.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop never blocks longer than a short grace window on the pending long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// locationKeyboard is the one-tap reply keyboard asking for the user's position.
func (a *Adapter) locationKeyboard() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{ResizeKeyboard: true}
	rm.Reply(rm.Row(rm.Location(a.cfg.LocationButton)))
	return rm
}

func (a *Adapter) sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
	}
	if opt.RequestLocation {
		so.ReplyMarkup = a.locationKeyboard()
	}
	return so
}

// SendMessage sends text split into Telegram-sized chunks. Markup goes on the
// first chunk only.
func (a *Adapter) SendMessage(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: chatID}
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return err
		}
		so := a.sendOptions(opt)
		if i > 0 {
			so.ReplyMarkup = nil
		}
		if _, err := a.bot.Send(chat, chunk, so); err != nil {
			return err
		}
	}
	return nil
}

// SendText delivers an alarm's text. Non-silent alarms carry the
// share-location keyboard so subscribers can refresh their position.
func (a *Adapter) SendText(ctx context.Context, to sighting.Recipient, p sighting.Payload, silent bool) error {
	return a.SendMessage(ctx, int64(to), p.Text, &kit.SendOptions{
		Silent:          silent,
		RequestLocation: !silent,
	})
}

// SendVenue delivers an alarm as a map pin.
func (a *Adapter) SendVenue(ctx context.Context, to sighting.Recipient, p sighting.Payload, silent bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: int64(to)}, venue(p), &tele.SendOptions{DisableNotification: silent})
	return err
}

func venue(p sighting.Payload) *tele.Venue {
	return &tele.Venue{
		Location: tele.Location{Lat: float32(p.Position.Lat), Lng: float32(p.Position.Lon)},
		Title:    p.Title,
		Address:  p.Address,
	}
}

// SendLog implements logx.ChatSink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	return a.SendMessage(ctx, chatID, text, &kit.SendOptions{DisablePreview: true, Silent: true})
}

// UpdateMenuCommands sets the bot's command menu. It only calls Telegram when
// the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(out); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}
