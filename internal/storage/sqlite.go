package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"queuebell/internal/queue"
	logx "queuebell/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const entryColumns = `id, customer_id, status, display_name, position, customer_phone, telegram_chat_id,
	channel_preference, verification_code, called_at, acknowledged_at, acknowledgment_type,
	estimated_arrival, last_notification_chan, last_notification_at, notification_count, updated_at`

func openSQLite(cfg Config, log logx.Logger) (queue.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes Update transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, e queue.Entry) error {
	if e.ID == "" {
		return fmt.Errorf("create entry: empty id")
	}
	if e.Status == "" {
		e.Status = queue.StatusWaiting
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries(`+entryColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entryArgs(e)...,
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (queue.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(e *queue.Entry) error) (queue.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queue.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
	if err != nil {
		return queue.Entry{}, err
	}
	next := cur
	if err := fn(&next); err != nil {
		return queue.Entry{}, err
	}
	next.ID = cur.ID
	next.UpdatedAt = time.Now()
	// Columns hold unix millis; return what a later Get would read.
	roundTimes(&next)

	args := entryArgs(next)
	// Move id to the WHERE position.
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_entries SET customer_id=?, status=?, display_name=?, position=?, customer_phone=?,
			telegram_chat_id=?, channel_preference=?, verification_code=?, called_at=?, acknowledged_at=?,
			acknowledgment_type=?, estimated_arrival=?, last_notification_chan=?, last_notification_at=?,
			notification_count=?, updated_at=?
		 WHERE id = ?`,
		append(args[1:], args[0])...,
	)
	if err != nil {
		return queue.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return queue.Entry{}, err
	}
	return next, nil
}

func (s *sqliteStore) ListByStatus(ctx context.Context, status queue.Status) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]queue.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendTransition(ctx context.Context, t queue.Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entry_transitions(entry_id, from_status, to_status, reason, at) VALUES(?,?,?,?,?)`,
		t.EntryID, string(t.From), string(t.To), nullStr(t.Reason), t.At.UnixMilli(),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (queue.Entry, error) {
	var (
		e                            queue.Entry
		status                       string
		calledAt, ackAt, eta, lastAt sql.NullInt64
		updatedAt                    int64
	)
	err := r.Scan(&e.ID, &e.CustomerID, &status, &e.DisplayName, &e.Position, &e.CustomerPhone,
		&e.TelegramChatID, &e.NotificationChannelPreference, &e.VerificationCode, &calledAt, &ackAt,
		&e.AcknowledgmentType, &eta, &e.LastNotificationChannel, &lastAt, &e.NotificationCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Entry{}, queue.ErrNotFound
	}
	if err != nil {
		return queue.Entry{}, err
	}
	e.Status = queue.Status(status)
	e.CalledAt = fromMillis(calledAt)
	e.AcknowledgedAt = fromMillis(ackAt)
	e.EstimatedArrival = fromMillis(eta)
	e.LastNotificationAt = fromMillis(lastAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	return e, nil
}

func entryArgs(e queue.Entry) []any {
	return []any{
		e.ID, e.CustomerID, string(e.Status), e.DisplayName, e.Position, e.CustomerPhone,
		e.TelegramChatID, e.NotificationChannelPreference, e.VerificationCode,
		toMillis(e.CalledAt), toMillis(e.AcknowledgedAt), e.AcknowledgmentType,
		toMillis(e.EstimatedArrival), e.LastNotificationChannel, toMillis(e.LastNotificationAt),
		e.NotificationCount, e.UpdatedAt.UnixMilli(),
	}
}

func roundTimes(e *queue.Entry) {
	for _, p := range []**time.Time{&e.CalledAt, &e.AcknowledgedAt, &e.EstimatedArrival, &e.LastNotificationAt} {
		if *p != nil {
			t := time.UnixMilli((*p).UnixMilli())
			*p = &t
		}
	}
	e.UpdatedAt = time.UnixMilli(e.UpdatedAt.UnixMilli())
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
