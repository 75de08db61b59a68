package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id   TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	completed_at    TEXT,
	abandoned       INTEGER NOT NULL DEFAULT 0,

	CHECK (role IN ('user', 'assistant', 'system'))
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, id);
`

const messageColumns = `id, conversation_id, role, content, created_at, completed_at, abandoned`

// sqliteMigrations bring databases created by older builds up to the current
// schema. Each entry runs only when its column is missing.
var sqliteMigrations = []struct {
	table, column, ddl string
}{
	{"messages", "abandoned", `ALTER TABLE messages ADD COLUMN abandoned INTEGER NOT NULL DEFAULT 0`},
}

// SQLiteStore persists conversations in a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Parent directories are created when missing.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// pragmas go through the DSN so every pooled connection gets them
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite has a single writer; one connection keeps read-modify-write
	// transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := runSQLiteMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite store initialized", zap.String("path", path))
	return &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, modelID string) (chat.Conversation, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (model_id, created_at) VALUES (?, ?)`,
		modelID, formatTime(now))
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("reading conversation id: %w", err)
	}
	return chat.Conversation{ID: id, ModelID: modelID, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	var (
		conv    chat.Conversation
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.ModelID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("querying conversation: %w", err)
	}
	if conv.CreatedAt, err = parseTime(created); err != nil {
		return chat.Conversation{}, err
	}

	conv.Messages, err = s.queryMessages(ctx, s.db, id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.model_id, c.created_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id, c.model_id, c.created_at
		ORDER BY c.created_at DESC, c.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.ConversationSummary, 0)
	for rows.Next() {
		var (
			sum     chat.ConversationSummary
			created string
		)
		if err := rows.Scan(&sum.ID, &sum.ModelID, &created, &sum.MessagesCount); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		if sum.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	if err := s.conversationExists(ctx, s.db, conversationID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx, s.db, conversationID)
}

func (s *SQLiteStore) AppendUserMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	return s.insertMessage(ctx, s.db, conversationID, chat.RoleUser, content, true)
}

func (s *SQLiteStore) AppendSystemMessage(ctx context.Context, conversationID int64, content string) (chat.Message, error) {
	return s.insertMessage(ctx, s.db, conversationID, chat.RoleSystem, content, true)
}

func (s *SQLiteStore) TrailingAssistantMessage(ctx context.Context, conversationID int64) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.conversationExists(ctx, tx, conversationID); err != nil {
		return chat.Message{}, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE conversation_id = ?
		ORDER BY id DESC LIMIT 1`, conversationID)
	last, err := scanMessage(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return chat.Message{}, err
	case last.Role == chat.RoleAssistant && !last.Finalized():
		return last, tx.Commit()
	}

	msg, err := s.insertMessage(ctx, tx, conversationID, chat.RoleAssistant, "", false)
	if err != nil {
		return chat.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("committing assistant message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) AppendToMessage(ctx context.Context, messageID int64, fragment string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = content || ? WHERE id = ? AND completed_at IS NULL`,
		fragment, messageID)
	if err != nil {
		return fmt.Errorf("appending to message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("appending to message: %w", err)
	}
	if n > 0 {
		return nil
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Finalized() {
		return ErrMessageFinalized
	}
	return nil
}

func (s *SQLiteStore) FinalizeMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		formatTime(s.now()), messageID); err != nil {
		return chat.Message{}, fmt.Errorf("finalizing message: %w", err)
	}
	return s.getMessage(ctx, messageID)
}

func (s *SQLiteStore) AbandonMessage(ctx context.Context, messageID int64) (chat.Message, error) {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET completed_at = ?, abandoned = 1 WHERE id = ? AND completed_at IS NULL`,
		formatTime(s.now()), messageID); err != nil {
		return chat.Message{}, fmt.Errorf("abandoning message: %w", err)
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if !msg.Abandoned {
		return chat.Message{}, ErrMessageFinalized
	}
	return msg, nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func runSQLiteMigrations(db *sql.DB) error {
	for _, m := range sqliteMigrations {
		var n int
		err := db.QueryRow(
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&n)
		if err != nil {
			return fmt.Errorf("inspecting %s.%s: %w", m.table, m.column, err)
		}
		if n > 0 {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			return fmt.Errorf("adding %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

func (s *SQLiteStore) conversationExists(ctx context.Context, q queryer, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("querying conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, q queryer, conversationID int64, role chat.Role, content string, final bool) (chat.Message, error) {
	if err := s.conversationExists(ctx, q, conversationID); err != nil {
		return chat.Message{}, err
	}

	now := s.now()
	msg := chat.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	var completed any
	if final {
		msg.CompletedAt = &now
		completed = formatTime(now)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?)`,
		conversationID, string(role), content, formatTime(now), completed)
	if err != nil {
		return chat.Message{}, fmt.Errorf("inserting %s message: %w", role, err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return chat.Message{}, fmt.Errorf("reading message id: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) getMessage(ctx context.Context, id int64) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrMessageNotFound
	}
	return msg, err
}

func (s *SQLiteStore) queryMessages(ctx context.Context, q queryer, conversationID int64) ([]chat.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg       chat.Message
		role      string
		created   string
		completed sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &created, &completed, &msg.Abandoned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("scanning message: %w", err)
	}
	msg.Role = chat.Role(role)

	var err error
	if msg.CreatedAt, err = parseTime(created); err != nil {
		return chat.Message{}, err
	}
	if completed.Valid {
		at, err := parseTime(completed.String)
		if err != nil {
			return chat.Message{}, err
		}
		msg.CompletedAt = &at
	}
	return msg, nil
}

// fixed width so that lexical order matches time order
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", raw, err)
	}
	return t, nil
}
