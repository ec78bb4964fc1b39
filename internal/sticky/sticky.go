// Package sticky keeps one pinned-style message per channel near the bottom
// of the conversation, re-posting it when the channel sees activity.
//
// Re-posts are debounced: bursts of trigger events inside the cooldown window
// collapse into a single re-post. A trigger either acts immediately or leaves
// a pending entry that the periodic sweep is guaranteed to honor, so no
// trigger is silently dropped. The cooldown and pending maps are in-memory
// only and rebuild from empty on restart.
package sticky

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stagebot/internal/model"
	"stagebot/internal/storage"
	"stagebot/internal/transport"
	"stagebot/pkg/logx"
)

type Service struct {
	store   storage.Storage
	adapter transport.Adapter
	log     logx.Logger
	now     func() time.Time

	mu         sync.Mutex
	cooldown   time.Duration
	lastAction map[transport.ChatTarget]time.Time
	pending    map[transport.ChatTarget]struct{}
}

func New(store storage.Storage, adapter transport.Adapter, cooldown time.Duration, log logx.Logger) *Service {
	if cooldown <= 0 {
		cooldown = 2500 * time.Millisecond
	}
	return &Service{
		store:      store,
		adapter:    adapter,
		log:        log,
		now:        time.Now,
		cooldown:   cooldown,
		lastAction: map[transport.ChatTarget]time.Time{},
		pending:    map[transport.ChatTarget]struct{}{},
	}
}

// Apply updates the cooldown at runtime.
func (s *Service) Apply(cooldown time.Duration) {
	if cooldown <= 0 {
		return
	}
	s.mu.Lock()
	s.cooldown = cooldown
	s.mu.Unlock()
}

// Set stores the directive for a channel and posts a fresh copy immediately.
func (s *Service) Set(ctx context.Context, target transport.ChatTarget, body string) error {
	st := &model.StickyMessage{ChatID: target.ChatID, ThreadID: target.ThreadID, Body: body}
	if prev, err := s.store.GetSticky(ctx, target.ChatID, target.ThreadID); err == nil {
		st.LastMessageID = prev.LastMessageID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("sticky lookup: %w", err)
	}
	if err := s.store.UpsertSticky(ctx, st); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastAction[target] = s.now()
	delete(s.pending, target)
	s.mu.Unlock()

	return s.repost(ctx, target)
}

// Clear removes the directive and best-effort deletes the live copy.
func (s *Service) Clear(ctx context.Context, target transport.ChatTarget) error {
	st, err := s.store.GetSticky(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sticky lookup: %w", err)
	}
	if st.LastMessageID != 0 {
		ref := transport.MessageRef{Target: target, MessageID: st.LastMessageID}
		if err := s.adapter.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("sticky copy delete failed", logx.Err(err))
		}
	}
	if err := s.store.DeleteSticky(ctx, target.ChatID, target.ThreadID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.lastAction, target)
	delete(s.pending, target)
	s.mu.Unlock()
	return nil
}

// Trigger reacts to channel activity. Inside the cooldown window it records a
// pending entry (latest event wins) and returns; otherwise it re-posts now.
func (s *Service) Trigger(ctx context.Context, target transport.ChatTarget) error {
	if _, err := s.store.GetSticky(ctx, target.ChatID, target.ThreadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // channel has no directive
		}
		return fmt.Errorf("sticky lookup: %w", err)
	}

	s.mu.Lock()
	now := s.now()
	if last, ok := s.lastAction[target]; ok && now.Sub(last) < s.cooldown {
		s.pending[target] = struct{}{}
		s.mu.Unlock()
		return nil
	}
	s.lastAction[target] = now
	delete(s.pending, target)
	s.mu.Unlock()

	return s.repost(ctx, target)
}

// Sweep flushes pending entries whose cooldown has expired. Run it on a fixed
// interval no longer than the cooldown itself.
func (s *Service) Sweep(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var due []transport.ChatTarget
	for target := range s.pending {
		if now.Sub(s.lastAction[target]) >= s.cooldown {
			due = append(due, target)
			delete(s.pending, target)
			s.lastAction[target] = now
		}
	}
	s.mu.Unlock()

	for _, target := range due {
		if err := s.repost(ctx, target); err != nil {
			s.log.Warn("deferred sticky re-post failed",
				logx.String("target", target.String()), logx.Err(err))
		}
	}
}

// repost deletes the previous copy (failures tolerated; the fresh copy is
// what matters), sends the new one and records its id.
func (s *Service) repost(ctx context.Context, target transport.ChatTarget) error {
	st, err := s.store.GetSticky(ctx, target.ChatID, target.ThreadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // cleared in the meantime
	}
	if err != nil {
		return fmt.Errorf("sticky lookup: %w", err)
	}

	if st.LastMessageID != 0 {
		ref := transport.MessageRef{Target: target, MessageID: st.LastMessageID}
		if err := s.adapter.DeleteMessage(ctx, ref); err != nil {
			s.log.Debug("stale sticky delete failed", logx.Err(err))
		}
	}

	ref, err := s.adapter.SendText(ctx, target, st.Body, nil)
	if err != nil {
		return fmt.Errorf("sticky send: %w", err)
	}
	if err := s.store.SetStickyLastMessage(ctx, st.ID, ref.MessageID, s.now().UTC()); err != nil {
		return fmt.Errorf("record sticky copy: %w", err)
	}
	return nil
}
