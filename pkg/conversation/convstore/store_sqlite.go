package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/oakheartlabs/treechat/pkg/conversation"
)

// SQLiteStore persists conversation trees as per-node rows. A save rewrites
// every row of the conversation inside one transaction, which makes the
// append-then-persist pair atomic at the storage level.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

// SQLiteDSNForFile derives a DSN with sane pragmas from a plain file path.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite store: empty file path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// NewSQLiteStore opens (and migrates) a SQLite-backed conversation store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			conv_id       TEXT PRIMARY KEY,
			summary       TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			conv_id       TEXT NOT NULL,
			id            TEXT NOT NULL,
			role          TEXT NOT NULL,
			text          TEXT NOT NULL,
			parent_id     TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL DEFAULT 0,
			input_tokens  INTEGER,
			output_tokens INTEGER,
			total_cost    REAL,
			attachments   TEXT NOT NULL DEFAULT '[]',
			ord           INTEGER NOT NULL,
			PRIMARY KEY (conv_id, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_id ON messages(id);
	`)
	return errors.Wrap(err, "sqlite store: migrate")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) LoadOrCreate(ctx context.Context, convID string) (*conversation.Tree, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return nil, errors.New("sqlite store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM conversations WHERE conv_id = ?`, convID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.NewTree(convID), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: load conversation")
	}

	roots, err := s.loadMessages(ctx, convID)
	if err != nil {
		return nil, err
	}
	return conversation.RehydrateTree(convID, summary, roots), nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, convID string) ([]*conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, text, parent_id, created_at_ms, input_tokens, output_tokens, total_cost, attachments
		FROM messages WHERE conv_id = ? ORDER BY ord ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query messages")
	}
	defer func() { _ = rows.Close() }()

	byID := map[string]*conversation.Message{}
	var ordered []*conversation.Message
	for rows.Next() {
		var (
			m               conversation.Message
			role            string
			inTok, outTok   sql.NullInt64
			totalCost       sql.NullFloat64
			attachmentsJSON string
		)
		if err := rows.Scan(&m.ID, &role, &m.Text, &m.ParentID, &m.CreatedAtMs, &inTok, &outTok, &totalCost, &attachmentsJSON); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		m.Role = conversation.ParseRole(role)
		if inTok.Valid || outTok.Valid || totalCost.Valid {
			m.Usage = &conversation.TokenUsage{
				InputTokens:  int(inTok.Int64),
				OutputTokens: int(outTok.Int64),
				TotalCost:    totalCost.Float64,
			}
		}
		if attachmentsJSON != "" && attachmentsJSON != "[]" {
			if err := json.Unmarshal([]byte(attachmentsJSON), &m.Attachments); err != nil {
				return nil, errors.Wrap(err, "sqlite store: decode attachments")
			}
		}
		msg := m
		byID[msg.ID] = &msg
		ordered = append(ordered, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate messages")
	}

	// Rows come back in insertion (DFS) order, so sibling order is preserved
	// when linking children.
	var roots []*conversation.Message
	for _, m := range ordered {
		parent, ok := byID[m.ParentID]
		if m.ParentID == "" || !ok {
			m.ParentID = ""
			roots = append(roots, m)
			continue
		}
		parent.Children = append(parent.Children, m)
	}
	return roots, nil
}

func (s *SQLiteStore) Save(ctx context.Context, tree *conversation.Tree) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if tree == nil {
		return errors.New("sqlite store: tree is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin save")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (conv_id, summary, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET summary = excluded.summary, updated_at_ms = excluded.updated_at_ms
	`, tree.ConvID, tree.Summary, now); err != nil {
		return errors.Wrap(err, "sqlite store: upsert conversation")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ?`, tree.ConvID); err != nil {
		return errors.Wrap(err, "sqlite store: clear messages")
	}

	ord := 0
	var insertErr error
	tree.Walk(func(m *conversation.Message) {
		if insertErr != nil {
			return
		}
		var inTok, outTok sql.NullInt64
		var totalCost sql.NullFloat64
		if m.Usage != nil {
			inTok = sql.NullInt64{Int64: int64(m.Usage.InputTokens), Valid: true}
			outTok = sql.NullInt64{Int64: int64(m.Usage.OutputTokens), Valid: true}
			totalCost = sql.NullFloat64{Float64: m.Usage.TotalCost, Valid: true}
		}
		attachments := "[]"
		if len(m.Attachments) > 0 {
			if b, err := json.Marshal(m.Attachments); err == nil {
				attachments = string(b)
			}
		}
		_, insertErr = tx.ExecContext(ctx, `
			INSERT INTO messages (conv_id, id, role, text, parent_id, created_at_ms, input_tokens, output_tokens, total_cost, attachments, ord)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, tree.ConvID, m.ID, string(m.Role), m.Text, m.ParentID, m.CreatedAtMs, inTok, outTok, totalCost, attachments, ord)
		ord++
	})
	if insertErr != nil {
		return errors.Wrap(insertErr, "sqlite store: insert message")
	}

	return errors.Wrap(tx.Commit(), "sqlite store: commit save")
}

func (s *SQLiteStore) FindTreeContaining(ctx context.Context, messageID string) (*conversation.Tree, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return nil, errors.New("sqlite store: messageID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var convID string
	err := s.db.QueryRowContext(ctx, `SELECT conv_id FROM messages WHERE id = ? LIMIT 1`, messageID).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(conversation.ErrMessageNotFound, messageID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: find message owner")
	}
	return s.LoadOrCreate(ctx, convID)
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, summary, updated_at_ms FROM conversations ORDER BY updated_at_ms DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list conversations")
	}
	defer func() { _ = rows.Close() }()
	var out []ConversationInfo
	for rows.Next() {
		var info ConversationInfo
		if err := rows.Scan(&info.ConvID, &info.Summary, &info.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan conversation")
		}
		out = append(out, info)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: iterate conversations")
}

func (s *SQLiteStore) Delete(ctx context.Context, convID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin delete")
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conv_id = ?`, convID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete conversation")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ?`, convID); err != nil {
		return errors.Wrap(err, "sqlite store: delete messages")
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return errors.Wrap(ErrConversationNotFound, convID)
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit delete")
}
