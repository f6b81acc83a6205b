package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"go-imsdk/errs"
	"go-imsdk/models"
)

// sqliteStore SQLite 本地缓存实现。索引列用于去重与翻页，完整消息体以 JSON 存 body。
type sqliteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	conv_id       TEXT    NOT NULL,
	conv_type     TEXT    NOT NULL,
	dedup_id      TEXT    NOT NULL,
	local_msg_id  TEXT    NOT NULL,
	server_msg_id TEXT    NOT NULL DEFAULT '',
	order_key     INTEGER NOT NULL,
	body          TEXT    NOT NULL,
	PRIMARY KEY (conv_id, conv_type, dedup_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_order ON messages (conv_id, conv_type, order_key);
CREATE INDEX IF NOT EXISTS idx_messages_local ON messages (conv_id, conv_type, local_msg_id);

CREATE TABLE IF NOT EXISTS conversations (
	conv_id   TEXT    NOT NULL,
	conv_type TEXT    NOT NULL,
	order_key INTEGER NOT NULL,
	body      TEXT    NOT NULL,
	PRIMARY KEY (conv_id, conv_type)
);
`

// OpenSQLite 打开（必要时创建）本地缓存库。
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// 单写连接，避免本地库锁竞争
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) SaveMessage(m *models.Message) (bool, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(`INSERT INTO messages (conv_id, conv_type, dedup_id, local_msg_id, server_msg_id, order_key, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conv_id, conv_type, dedup_id) DO NOTHING`,
		m.ConvID, string(m.ConvType), dedupID(m), m.LocalMsgID, m.ServerMsgID, m.OrderKey, string(body))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) UpdateMessage(m *models.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE messages
		SET dedup_id = ?, server_msg_id = ?, order_key = ?, body = ?
		WHERE conv_id = ? AND conv_type = ? AND local_msg_id = ?`,
		dedupID(m), m.ServerMsgID, m.OrderKey, string(body),
		m.ConvID, string(m.ConvType), m.LocalMsgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeInvalidParam, "message not found")
	}
	return nil
}

func (s *sqliteStore) GetMessageByServerID(convID string, convType models.ConversationType, serverMsgID string) (*models.Message, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM messages
		WHERE conv_id = ? AND conv_type = ? AND server_msg_id = ?`,
		convID, string(convType), serverMsgID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeInvalidParam, "message not found")
	}
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *sqliteStore) QueryHistory(convID string, convType models.ConversationType, beforeKey int64, limit int) ([]*models.Message, error) {
	q := `SELECT body FROM messages WHERE conv_id = ? AND conv_type = ?`
	args := []any{convID, string(convType)}
	if beforeKey > 0 {
		q += ` AND order_key < ?`
		args = append(args, beforeKey)
	}
	q += ` ORDER BY order_key DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// 页内升序返回
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *sqliteStore) DeleteConversationMessages(convID string, convType models.ConversationType) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE conv_id = ? AND conv_type = ?`, convID, string(convType))
	return err
}

func (s *sqliteStore) DeleteAllMessages() error {
	_, err := s.db.Exec(`DELETE FROM messages`)
	return err
}

func (s *sqliteStore) UpsertConversation(c *models.Conversation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO conversations (conv_id, conv_type, order_key, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conv_id, conv_type) DO UPDATE SET order_key = excluded.order_key, body = excluded.body`,
		c.ID, string(c.Type), c.OrderKey, string(body))
	return err
}

func (s *sqliteStore) DeleteConversation(convID string, convType models.ConversationType) error {
	_, err := s.db.Exec(`DELETE FROM conversations WHERE conv_id = ? AND conv_type = ?`, convID, string(convType))
	return err
}

func (s *sqliteStore) DeleteAllConversations() error {
	_, err := s.db.Exec(`DELETE FROM conversations`)
	return err
}

func (s *sqliteStore) ListConversations() ([]*models.Conversation, error) {
	rows, err := s.db.Query(`SELECT body FROM conversations ORDER BY order_key DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Conversation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var c models.Conversation
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error { return s.db.Close() }
