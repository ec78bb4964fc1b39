// Package telegram adapts the abstract transport to the Telegram Bot API via
// telebot. Group membership changes map to presence events: a user joining or
// leaving a tracked group chat is the platform's enter/leave signal.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIRatePerSec caps outbound API calls; Telegram throttles bots that
	// exceed ~30 msg/s globally.
	APIRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out      atomic.Value // stores (chan<- transport.Update)
	runMu    sync.Mutex
	running  bool
	stopped  chan struct{}
	stopOnce sync.Once

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; reported in Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.APIRatePerSec
	if rps <= 0 {
		rps = 20
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := transport.Message{
			ID:           m.ID,
			Target:       transport.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID},
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			ChatTitle:    m.Chat.Title,
			Text:         m.Text,
		}
		if name, args, ok := parseCommand(m.Text); ok {
			a.sendUpdate(transport.Update{
				Kind:    transport.UpdateCommand,
				Command: &transport.Command{Name: name, Args: args, Message: msg},
			})
			return nil
		}
		a.sendUpdate(transport.Update{Kind: transport.UpdateMessage, Message: &msg})
		return nil
	})

	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil {
			return nil
		}
		users := m.UsersJoined
		if len(users) == 0 && m.UserJoined != nil {
			users = []tele.User{*m.UserJoined}
		}
		for i := range users {
			a.publishPresence(m, &users[i], true)
		}
		return nil
	})

	a.bot.Handle(tele.OnUserLeft, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.UserLeft == nil {
			return nil
		}
		a.publishPresence(m, m.UserLeft, false)
		return nil
	})
}

func (a *Adapter) publishPresence(m *tele.Message, u *tele.User, joined bool) {
	if u.IsBot {
		return
	}
	a.sendUpdate(transport.Update{
		Kind: transport.UpdatePresence,
		Presence: &transport.Presence{
			Target:      transport.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID},
			UserID:      u.ID,
			Username:    u.Username,
			DisplayName: displayName(u),
			Joined:      joined,
			At:          m.Time(),
		},
	})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopped = make(chan struct{})
	a.out.Store(out)
	stopped := a.stopped
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.stopBot()
	}()
	go func() {
		defer close(stopped)
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	stopped := a.stopped
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
	}

	go a.stopBot()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-stopped:
	case <-time.After(grace):
	case <-ctx.Done():
	}
	return nil
}

// stopBot guards telebot's Stop, which blocks when called twice.
func (a *Adapter) stopBot() {
	a.stopOnce.Do(a.bot.Stop)
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	m, err := a.bot.Send(tele.ChatID(to.ChatID), text, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{Target: to, MessageID: m.ID}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.bot.Delete(&tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.Target.ChatID,
	})
}

func (a *Adapter) SendDirect(ctx context.Context, userID int64, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(userID), text)
	return err
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	o := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		o.ParseMode = tele.ParseMode(opt.ParseMode)
		o.DisableWebPagePreview = opt.DisablePreview
	}
	return o
}

func parseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if head == "" {
		return "", "", false
	}
	// Strip the "@botname" suffix used in groups.
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
