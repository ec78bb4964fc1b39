// Package bot routes chat commands to the tracking, sticky and schedule
// services and formats their replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"stagebot/internal/model"
	"stagebot/internal/schedule"
	"stagebot/internal/sendqueue"
	"stagebot/internal/session"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

type Router struct {
	tracker *session.Tracker
	sticky  StickyService
	sched   *schedule.Runner
	queue   *sendqueue.Queue
	store   storage.Storage
	adapter transport.Adapter
	dates   DateParser
	loc     *time.Location
	log     logx.Logger
	now     func() time.Time
}

// StickyService is the slice of the sticky package the router needs.
type StickyService interface {
	Set(ctx context.Context, target transport.ChatTarget, body string) error
	Clear(ctx context.Context, target transport.ChatTarget) error
}

func NewRouter(
	tracker *session.Tracker,
	sticky StickyService,
	sched *schedule.Runner,
	queue *sendqueue.Queue,
	store storage.Storage,
	adapter transport.Adapter,
	loc *time.Location,
	log logx.Logger,
) *Router {
	if loc == nil {
		loc = time.Local
	}
	return &Router{
		tracker: tracker,
		sticky:  sticky,
		sched:   sched,
		queue:   queue,
		store:   store,
		adapter: adapter,
		dates:   NewDateParser(),
		loc:     loc,
		log:     log,
		now:     time.Now,
	}
}

// Handle dispatches one command. Unknown commands are ignored so the bot can
// share a group with other bots.
func (r *Router) Handle(ctx context.Context, cmd transport.Command) {
	var err error
	switch cmd.Name {
	case "track":
		err = r.cmdTrack(ctx, cmd)
	case "untrack":
		err = r.cmdUntrack(ctx, cmd)
	case "endsession":
		err = r.cmdEndSession(ctx, cmd)
	case "stats":
		err = r.cmdStats(ctx, cmd)
	case "sticky":
		err = r.cmdSticky(ctx, cmd)
	case "unsticky":
		err = r.cmdUnsticky(ctx, cmd)
	case "remind":
		err = r.cmdRemind(ctx, cmd)
	case "reminders":
		err = r.cmdReminders(ctx, cmd)
	case "unremind":
		err = r.cmdUnremind(ctx, cmd)
	case "notify":
		err = r.cmdNotify(ctx, cmd)
	case "help", "start":
		r.reply(cmd, helpText)
	default:
		return
	}
	if err != nil {
		r.log.Warn("command failed",
			logx.String("command", cmd.Name),
			logx.String("target", cmd.Message.Target.String()),
			logx.Err(err))
		r.reply(cmd, userMessage(err))
	}
}

func (r *Router) cmdTrack(ctx context.Context, cmd transport.Command) error {
	target := cmd.Message.Target
	topic := strings.TrimSpace(cmd.Args)
	if err := r.tracker.Track(ctx, target, cmd.Message.ChatTitle, topic); err != nil {
		return err
	}
	r.audit(ctx, cmd, "track", topic)
	r.reply(cmd, "Tracking enabled for this channel.")
	return nil
}

func (r *Router) cmdUntrack(ctx context.Context, cmd transport.Command) error {
	target := cmd.Message.Target
	if err := r.tracker.Untrack(ctx, target); err != nil {
		return err
	}
	r.audit(ctx, cmd, "untrack", "")
	r.reply(cmd, "Tracking disabled for this channel.")
	return nil
}

func (r *Router) cmdEndSession(ctx context.Context, cmd transport.Command) error {
	sess, err := r.tracker.EndTracking(ctx, cmd.Message.Target)
	if err != nil {
		return err
	}
	r.audit(ctx, cmd, "endsession", sess.ID)
	r.reply(cmd, fmt.Sprintf("Session ended. It ran for %s.",
		formatDuration(sess.EndTime.Sub(sess.StartTime))))
	return nil
}

func (r *Router) cmdStats(ctx context.Context, cmd transport.Command) error {
	st, err := r.tracker.Stats(ctx, cmd.Message.Target)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Session started %s.\n",
		st.Session.StartTime.In(r.loc).Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Participants: %d (%d currently present)\n", st.Participants, st.Present)
	fmt.Fprintf(&b, "Average time spent: %s",
		formatDuration(time.Duration(st.AverageMS)*time.Millisecond))
	r.reply(cmd, b.String())
	return nil
}

func (r *Router) cmdSticky(ctx context.Context, cmd transport.Command) error {
	body := strings.TrimSpace(cmd.Args)
	if body == "" {
		r.reply(cmd, "Usage: /sticky <text>")
		return nil
	}
	if err := r.sticky.Set(ctx, cmd.Message.Target, body); err != nil {
		return err
	}
	r.audit(ctx, cmd, "sticky", body)
	return nil
}

func (r *Router) cmdUnsticky(ctx context.Context, cmd transport.Command) error {
	if err := r.sticky.Clear(ctx, cmd.Message.Target); err != nil {
		return err
	}
	r.audit(ctx, cmd, "unsticky", "")
	r.reply(cmd, "Sticky message removed.")
	return nil
}

func (r *Router) cmdRemind(ctx context.Context, cmd transport.Command) error {
	expr, rest, ok := splitTimeExpr(cmd.Args)
	if !ok || rest == "" {
		r.reply(cmd, "Usage: /remind <HH:MM | YYYY-MM-DD HH:MM> [daily|weekly|monthly|last_weekday] <text>")
		return nil
	}
	at, err := r.dates.Parse(expr, r.loc, r.now())
	if err != nil {
		r.reply(cmd, err.Error())
		return nil
	}

	rule := model.RepeatNone
	head, tail, _ := strings.Cut(rest, " ")
	if parsed, perr := model.ParseRepeatRule(head); perr == nil && parsed != model.RepeatNone {
		rule = parsed
		rest = strings.TrimSpace(tail)
	}
	if rest == "" {
		r.reply(cmd, "The reminder needs a message body.")
		return nil
	}

	m, err := r.sched.Add(ctx, cmd.Message.Target, rest, at, rule)
	if err != nil {
		return err
	}
	r.audit(ctx, cmd, "remind", fmt.Sprintf("%s %s", m.FireAt.Format(time.RFC3339), rule))
	r.reply(cmd, fmt.Sprintf("Scheduled for %s.", m.FireAt.In(r.loc).Format("2006-01-02 15:04")))
	return nil
}

func (r *Router) cmdReminders(ctx context.Context, cmd transport.Command) error {
	list, err := r.sched.List(ctx, cmd.Message.Target)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.reply(cmd, "No scheduled messages for this channel.")
		return nil
	}
	lines := make([]string, 0, len(list))
	for i, m := range list {
		lines = append(lines, schedule.FormatEntry(i+1, m, r.loc))
	}
	r.reply(cmd, strings.Join(lines, "\n"))
	return nil
}

func (r *Router) cmdUnremind(ctx context.Context, cmd transport.Command) error {
	idx, err := strconv.Atoi(strings.TrimSpace(cmd.Args))
	if err != nil {
		r.reply(cmd, "Usage: /unremind <number from /reminders>")
		return nil
	}
	m, err := r.sched.Remove(ctx, cmd.Message.Target, idx)
	if err != nil {
		return err
	}
	r.audit(ctx, cmd, "unremind", m.ID)
	r.reply(cmd, "Scheduled message removed.")
	return nil
}

// cmdNotify direct-messages every participant of the channel's active session.
// The fan-out goes through the send queue so a large session drains at the
// configured rate instead of tripping platform flood limits.
func (r *Router) cmdNotify(ctx context.Context, cmd transport.Command) error {
	text := strings.TrimSpace(cmd.Args)
	if text == "" {
		r.reply(cmd, "Usage: /notify <text>")
		return nil
	}
	target := cmd.Message.Target
	sess, err := r.store.ActiveSession(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return session.ErrNoActiveSession
	}
	if err != nil {
		return err
	}
	users, err := r.store.SessionUsers(ctx, sess.ID)
	if err != nil {
		return err
	}

	for _, u := range users {
		userID := u.UserID
		done := r.queue.Enqueue(func(jctx context.Context) error {
			return r.adapter.SendDirect(jctx, userID, text)
		})
		go func(name string) {
			if err := <-done; err != nil {
				r.log.Warn("notify delivery failed",
					logx.Int64("user_id", userID),
					logx.String("username", name),
					logx.Err(err))
			}
		}(u.Username)
	}
	r.audit(ctx, cmd, "notify", fmt.Sprintf("%d recipients", len(users)))
	r.reply(cmd, fmt.Sprintf("Notifying %d participants.", len(users)))
	return nil
}

// reply enqueues the answer so replies share the outbound budget with every
// other send.
func (r *Router) reply(cmd transport.Command, text string) {
	target := cmd.Message.Target
	done := r.queue.Enqueue(func(jctx context.Context) error {
		_, err := r.adapter.SendText(jctx, target, text, nil)
		return err
	})
	go func() {
		if err := <-done; err != nil {
			r.log.Warn("reply send failed",
				logx.String("target", target.String()), logx.Err(err))
		}
	}()
}

func (r *Router) audit(ctx context.Context, cmd transport.Command, action, params string) {
	e := model.AuditEntry{
		At:            r.now().UTC(),
		ActorID:       cmd.Message.FromID,
		ActorUsername: cmd.Message.FromUsername,
		ChatID:        cmd.Message.Target.ChatID,
		Action:        action,
		Params:        params,
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

// formatDuration renders durations the way people read them, dropping
// sub-second noise.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// userMessage maps service errors to replies that make sense to the person
// who typed the command.
func userMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return "There is no active session in this channel."
	case errors.Is(err, schedule.ErrPastTime):
		return "That time is already in the past."
	case errors.Is(err, schedule.ErrNoSuchEntry):
		return "No scheduled message with that number."
	default:
		return "Something went wrong, try again later."
	}
}

const helpText = `Commands:
/track [topic] - enable presence tracking here
/untrack - disable tracking
/endsession - force-end the active session
/stats - active session statistics
/sticky <text> - keep a message pinned near the bottom
/unsticky - remove the sticky message
/remind <time> [repeat] <text> - schedule a message
/reminders - list scheduled messages
/unremind <n> - remove a scheduled message
/notify <text> - DM all session participants`
