package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"stagebot/internal/model"
	"stagebot/migrations"
)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, busyTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if busyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds())); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ---- Tracked channels ----

// UpsertChannel creates or refreshes a channel binding, keyed on (chat_id, thread_id).
func (s *SQLite) UpsertChannel(ctx context.Context, ch *model.TrackedChannel) error {
	now := time.Now().UTC()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, chat_id, thread_id, chat_title, topic_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, thread_id) DO UPDATE SET
		   chat_title = excluded.chat_title,
		   topic_name = excluded.topic_name,
		   updated_at = excluded.updated_at`,
		ch.ID, ch.ChatID, ch.ThreadID, ch.ChatTitle, ch.TopicName, ms(now), ms(now),
	)
	if err != nil {
		return fmt.Errorf("upsert channel: %w", err)
	}
	// Re-read so the caller sees the surviving row id on conflict.
	got, err := s.GetChannel(ctx, ch.ChatID, ch.ThreadID)
	if err != nil {
		return err
	}
	*ch = *got
	return nil
}

// GetChannel returns the binding for a channel, or ErrNotFound.
func (s *SQLite) GetChannel(ctx context.Context, chatID int64, threadID int) (*model.TrackedChannel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, thread_id, chat_title, topic_name, created_at, updated_at
		 FROM channels WHERE chat_id = ? AND thread_id = ?`, chatID, threadID,
	)
	var ch model.TrackedChannel
	var created, updated int64
	err := row.Scan(&ch.ID, &ch.ChatID, &ch.ThreadID, &ch.ChatTitle, &ch.TopicName, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.CreatedAt = fromMS(created)
	ch.UpdatedAt = fromMS(updated)
	return &ch, nil
}

// ListChannels returns all channel bindings.
func (s *SQLite) ListChannels(ctx context.Context) ([]model.TrackedChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, chat_title, topic_name, created_at, updated_at
		 FROM channels ORDER BY chat_id, thread_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TrackedChannel
	for rows.Next() {
		var ch model.TrackedChannel
		var created, updated int64
		if err := rows.Scan(&ch.ID, &ch.ChatID, &ch.ThreadID, &ch.ChatTitle, &ch.TopicName, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.CreatedAt = fromMS(created)
		ch.UpdatedAt = fromMS(updated)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteChannel removes a channel binding.
func (s *SQLite) DeleteChannel(ctx context.Context, chatID int64, threadID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM channels WHERE chat_id = ? AND thread_id = ?`, chatID, threadID,
	)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// ---- Sessions ----

// CreateSession inserts a new session and populates its ID.
func (s *SQLite) CreateSession(ctx context.Context, sess *model.Session) error {
	now := time.Now().UTC()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, chat_id, thread_id, start_time, end_time, is_active, unique_user_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ChatID, sess.ThreadID, ms(sess.StartTime), nullMS(sess.EndTime),
		boolToInt(sess.IsActive), sess.UniqueUserCount, ms(now), ms(now),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// ActiveSession returns the active session for a channel, or ErrNotFound.
func (s *SQLite) ActiveSession(ctx context.Context, chatID int64, threadID int) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, thread_id, start_time, end_time, is_active, unique_user_count, created_at, updated_at
		 FROM sessions
		 WHERE chat_id = ? AND thread_id = ? AND is_active = 1
		 ORDER BY start_time DESC LIMIT 1`, chatID, threadID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// SetUniqueUserCount stores the running unique-user counter.
func (s *SQLite) SetUniqueUserCount(ctx context.Context, sessionID string, count int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET unique_user_count = ?, updated_at = ? WHERE id = ?`,
		count, ms(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set unique user count: %w", err)
	}
	return nil
}

// EndSession marks a session inactive with the given end time.
func (s *SQLite) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, is_active = 0, updated_at = ? WHERE id = ?`,
		ms(at), ms(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ---- Participation records ----

// UpsertSessionUser creates or updates the record keyed on (user_id, session_id).
func (s *SQLite) UpsertSessionUser(ctx context.Context, u *model.SessionUser) error {
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_users (id, session_id, user_id, username, display_name, join_time, leave_time, total_time_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, session_id) DO UPDATE SET
		   username      = excluded.username,
		   display_name  = excluded.display_name,
		   join_time     = excluded.join_time,
		   leave_time    = excluded.leave_time,
		   total_time_ms = excluded.total_time_ms,
		   updated_at    = excluded.updated_at`,
		u.ID, u.SessionID, u.UserID, u.Username, u.DisplayName,
		ms(u.JoinTime), nullMS(u.LeaveTime), u.TotalTimeMS, ms(now), ms(now),
	)
	if err != nil {
		return fmt.Errorf("upsert session user: %w", err)
	}
	return nil
}

// GetSessionUser returns the participation record, or ErrNotFound.
func (s *SQLite) GetSessionUser(ctx context.Context, sessionID string, userID int64) (*model.SessionUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, username, display_name, join_time, leave_time, total_time_ms, created_at, updated_at
		 FROM session_users WHERE session_id = ? AND user_id = ?`, sessionID, userID,
	)
	u, err := scanSessionUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// SessionUsers returns all participation records for a session.
func (s *SQLite) SessionUsers(ctx context.Context, sessionID string) ([]model.SessionUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, username, display_name, join_time, leave_time, total_time_ms, created_at, updated_at
		 FROM session_users WHERE session_id = ? ORDER BY join_time`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SessionUser
	for rows.Next() {
		u, err := scanSessionUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// RecordLeave marks one participant's leave and updates the session counter
// in a single transaction, so concurrent leaves cannot lose counter updates.
func (s *SQLite) RecordLeave(ctx context.Context, sessionID string, userID int64, leaveAt time.Time, totalMS int64, newCount int, endSession bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := ms(leaveAt)
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_users SET leave_time = ?, total_time_ms = ?, updated_at = ?
		 WHERE session_id = ? AND user_id = ?`,
		at, totalMS, at, sessionID, userID,
	); err != nil {
		return fmt.Errorf("mark leave: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET unique_user_count = ?, updated_at = ? WHERE id = ?`,
		newCount, at, sessionID,
	); err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	if endSession {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET end_time = ?, is_active = 0, updated_at = ? WHERE id = ?`,
			at, at, sessionID,
		); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	return tx.Commit()
}

// CloseSession force-ends a session: every still-present participant is marked
// as leaving at the given time with their presence accumulated, the counter is
// zeroed and the session deactivated.
func (s *SQLite) CloseSession(ctx context.Context, sessionID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	atMS := ms(at)
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_users
		 SET total_time_ms = total_time_ms + (? - join_time), leave_time = ?, updated_at = ?
		 WHERE session_id = ? AND leave_time IS NULL`,
		atMS, atMS, atMS, sessionID,
	); err != nil {
		return fmt.Errorf("close session users: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, is_active = 0, unique_user_count = 0, updated_at = ? WHERE id = ?`,
		atMS, atMS, sessionID,
	); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return tx.Commit()
}

// ---- Sticky directives ----

// UpsertSticky creates or replaces the directive for a channel.
func (s *SQLite) UpsertSticky(ctx context.Context, st *model.StickyMessage) error {
	now := time.Now().UTC()
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sticky_messages (id, chat_id, thread_id, body, last_message_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, thread_id) DO UPDATE SET
		   body            = excluded.body,
		   last_message_id = excluded.last_message_id,
		   updated_at      = excluded.updated_at`,
		st.ID, st.ChatID, st.ThreadID, st.Body, st.LastMessageID, ms(now), ms(now),
	)
	if err != nil {
		return fmt.Errorf("upsert sticky: %w", err)
	}
	got, err := s.GetSticky(ctx, st.ChatID, st.ThreadID)
	if err != nil {
		return err
	}
	*st = *got
	return nil
}

// GetSticky returns the directive for a channel, or ErrNotFound.
func (s *SQLite) GetSticky(ctx context.Context, chatID int64, threadID int) (*model.StickyMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, thread_id, body, last_message_id, created_at, updated_at
		 FROM sticky_messages WHERE chat_id = ? AND thread_id = ?`, chatID, threadID,
	)
	var st model.StickyMessage
	var created, updated int64
	err := row.Scan(&st.ID, &st.ChatID, &st.ThreadID, &st.Body, &st.LastMessageID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sticky: %w", err)
	}
	st.CreatedAt = fromMS(created)
	st.UpdatedAt = fromMS(updated)
	return &st, nil
}

// SetStickyLastMessage records the id of the most recently posted copy.
func (s *SQLite) SetStickyLastMessage(ctx context.Context, id string, messageID int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sticky_messages SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, ms(at), id,
	)
	if err != nil {
		return fmt.Errorf("set sticky last message: %w", err)
	}
	return nil
}

// DeleteSticky removes the directive for a channel.
func (s *SQLite) DeleteSticky(ctx context.Context, chatID int64, threadID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sticky_messages WHERE chat_id = ? AND thread_id = ?`, chatID, threadID,
	)
	if err != nil {
		return fmt.Errorf("delete sticky: %w", err)
	}
	return nil
}

// ---- Scheduled messages ----

// CreateScheduled inserts a new scheduled message and populates its ID.
func (s *SQLite) CreateScheduled(ctx context.Context, m *model.ScheduledMessage) error {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages (id, chat_id, thread_id, body, fire_at, repeat, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.ThreadID, m.Body, ms(m.FireAt), string(m.Repeat), ms(now), ms(now),
	)
	if err != nil {
		return fmt.Errorf("insert scheduled: %w", err)
	}
	return nil
}

// ListScheduled returns the channel's scheduled messages ordered by fire time.
func (s *SQLite) ListScheduled(ctx context.Context, chatID int64, threadID int) ([]model.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, body, fire_at, repeat, created_at, updated_at
		 FROM scheduled_messages WHERE chat_id = ? AND thread_id = ?
		 ORDER BY fire_at, created_at`, chatID, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("query scheduled: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScheduledRows(rows)
}

// DueScheduled returns all messages whose fire time equals at exactly.
func (s *SQLite) DueScheduled(ctx context.Context, at time.Time) ([]model.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, thread_id, body, fire_at, repeat, created_at, updated_at
		 FROM scheduled_messages WHERE fire_at = ? ORDER BY created_at`, ms(at),
	)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanScheduledRows(rows)
}

// RescheduleScheduled advances a message's fire time in place.
func (s *SQLite) RescheduleScheduled(ctx context.Context, id string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET fire_at = ?, updated_at = ? WHERE id = ?`,
		ms(fireAt), ms(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	return nil
}

// DeleteScheduled removes a scheduled message by its ID.
func (s *SQLite) DeleteScheduled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled: %w", err)
	}
	return nil
}

// ---- Audit ----

// AppendAudit writes one audit row.
func (s *SQLite) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (at, actor_id, actor_username, chat_id, action, params)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ms(e.At), e.ActorID, e.ActorUsername, e.ChatID, e.Action, e.Params,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ---- helpers ----

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var start, created, updated int64
	var end sql.NullInt64
	var active int
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.ThreadID, &start, &end, &active,
		&sess.UniqueUserCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.StartTime = fromMS(start)
	sess.EndTime = fromNullMS(end)
	sess.IsActive = active == 1
	sess.CreatedAt = fromMS(created)
	sess.UpdatedAt = fromMS(updated)
	return &sess, nil
}

func scanSessionUser(row scannable) (*model.SessionUser, error) {
	var u model.SessionUser
	var join, created, updated int64
	var leave sql.NullInt64
	err := row.Scan(&u.ID, &u.SessionID, &u.UserID, &u.Username, &u.DisplayName,
		&join, &leave, &u.TotalTimeMS, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session user: %w", err)
	}
	u.JoinTime = fromMS(join)
	u.LeaveTime = fromNullMS(leave)
	u.CreatedAt = fromMS(created)
	u.UpdatedAt = fromMS(updated)
	return &u, nil
}

func scanScheduledRows(rows *sql.Rows) ([]model.ScheduledMessage, error) {
	var out []model.ScheduledMessage
	for rows.Next() {
		var m model.ScheduledMessage
		var fire, created, updated int64
		var repeat string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.Body, &fire, &repeat, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan scheduled: %w", err)
		}
		m.FireAt = fromMS(fire)
		m.Repeat = model.RepeatRule(repeat)
		m.CreatedAt = fromMS(created)
		m.UpdatedAt = fromMS(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
