package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kontalk/konk/internal/model"
)

const messageColumns = `id, chat_id, direction, xid, peer_jid, status, date, server_date, content, encryption, signing, coder_errors, server_error`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m                model.Message
		peer, status     string
		date, serverDate int64
		content          []byte
		coderErrors      string
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.Dir, &m.XID, &peer, &status, &date, &serverDate, &content,
		&m.Coder.Encryption, &m.Coder.Signing, &coderErrors, &m.ServerError)
	if err != nil {
		return nil, err
	}
	m.PeerJID = model.JID(peer)
	m.Status = model.Status(status)
	m.Date = time.UnixMilli(date)
	if serverDate > 0 {
		m.ServerDate = time.UnixMilli(serverDate)
	}
	if m.Content, err = model.UnmarshalContent(content); err != nil {
		return nil, fmt.Errorf("decode content of message %d: %w", m.ID, err)
	}
	if coderErrors != "" {
		if err := json.Unmarshal([]byte(coderErrors), &m.Coder.Errors); err != nil {
			return nil, fmt.Errorf("decode coder errors of message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeMessage(m *model.Message) (content []byte, coderErrors string, serverDate int64, err error) {
	if content, err = m.Content.Marshal(); err != nil {
		return nil, "", 0, err
	}
	if len(m.Coder.Errors) > 0 {
		b, err := json.Marshal(m.Coder.Errors)
		if err != nil {
			return nil, "", 0, err
		}
		coderErrors = string(b)
	}
	if !m.ServerDate.IsZero() {
		serverDate = m.ServerDate.UnixMilli()
	}
	return content, coderErrors, serverDate, nil
}

// InsertMessage appends a message to its chat and sets m.ID.
func (db *DB) InsertMessage(m *model.Message) error {
	content, coderErrors, serverDate, err := encodeMessage(m)
	if err != nil {
		return err
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	return db.QueryRow(`
		INSERT INTO messages (chat_id, direction, xid, peer_jid, status, date, server_date, content, encryption, signing, coder_errors, server_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		m.ChatID, m.Dir, m.XID, string(m.PeerJID.Bare()), string(m.Status), m.Date.UnixMilli(), serverDate, content,
		m.Coder.Encryption, m.Coder.Signing, coderErrors, m.ServerError).Scan(&m.ID)
}

// SaveMessage persists the mutable fields of an existing message.
func (db *DB) SaveMessage(m *model.Message) error {
	content, coderErrors, serverDate, err := encodeMessage(m)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE messages SET xid = ?, status = ?, server_date = ?, content = ?, encryption = ?, signing = ?, coder_errors = ?, server_error = ?
		WHERE id = ?`,
		m.XID, string(m.Status), serverDate, content, m.Coder.Encryption, m.Coder.Signing, coderErrors, m.ServerError, m.ID)
	return err
}

// UpdateContent rewrites only the content of a message.
func (db *DB) UpdateContent(id int64, c *model.Content) error {
	content, err := c.Marshal()
	if err != nil {
		return err
	}
	res, err := db.Exec(`UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCoderStatus records the encryption outcome of a message.
func (db *DB) SetCoderStatus(id int64, st model.CoderStatus) error {
	var coderErrors string
	if len(st.Errors) > 0 {
		b, err := json.Marshal(st.Errors)
		if err != nil {
			return err
		}
		coderErrors = string(b)
	}
	res, err := db.Exec(`UPDATE messages SET encryption = ?, signing = ?, coder_errors = ? WHERE id = ?`,
		st.Encryption, st.Signing, coderErrors, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageStatus changes the status of an outgoing message. A message
// already RECEIVED is never downgraded; changed is false when the status
// was already status.
func (db *DB) SetMessageStatus(id int64, status model.Status, serverErr string) (changed bool, err error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?, server_error = CASE WHEN ? != '' THEN ? ELSE server_error END
		WHERE id = ? AND status != 'RECEIVED' AND status != ?`,
		string(status), serverErr, serverErr, id, string(status))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Message returns a message by id.
func (db *DB) Message(id int64) (*model.Message, error) {
	return db.oneMessage(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
}

// OutMessageInChat finds an outgoing message of a chat by transport id.
func (db *DB) OutMessageInChat(chatID int64, xid string) (*model.Message, error) {
	return db.oneMessage(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND direction = 1 AND xid = ? ORDER BY id DESC LIMIT 1`,
		chatID, xid)
}

// OutMessageByXID searches outgoing messages of every chat by transport id,
// most recent first.
func (db *DB) OutMessageByXID(xid string) (*model.Message, error) {
	return db.oneMessage(`SELECT `+messageColumns+` FROM messages WHERE direction = 1 AND xid = ? ORDER BY id DESC LIMIT 1`, xid)
}

// HasInMessage reports whether a message from peer with the transport id was already stored.
func (db *DB) HasInMessage(peer model.JID, xid string) (bool, error) {
	if xid == "" {
		return false, nil
	}
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE direction = 0 AND peer_jid = ? AND xid = ?`,
		string(peer.Bare()), xid).Scan(&n)
	return n > 0, err
}

// ListMessages returns a page of a chat's messages in insertion order,
// ending before beforeID (0 = latest).
func (db *DB) ListMessages(chatID, beforeID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeID <= 0 {
		beforeID = 1<<62 - 1
	}
	msgs, err := db.manyMessages(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND id < ?
		ORDER BY id DESC LIMIT ?`, chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PendingOutMessages returns the chat's unsent outgoing messages in send order.
func (db *DB) PendingOutMessages(chatID int64) ([]model.Message, error) {
	return db.manyMessages(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND direction = 1 AND status = 'PENDING' ORDER BY id`, chatID)
}

// AddTransmission records delivery to one recipient.
func (db *DB) AddTransmission(messageID int64, jid model.JID, receivedAt time.Time) error {
	var at int64
	if !receivedAt.IsZero() {
		at = receivedAt.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO transmissions (message_id, jid, received_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, jid) DO UPDATE SET received_at = excluded.received_at`,
		messageID, string(jid.Bare()), at)
	return err
}

// Transmissions returns the per-recipient delivery records of a message.
func (db *DB) Transmissions(messageID int64) ([]model.Transmission, error) {
	rows, err := db.Query(`SELECT jid, received_at FROM transmissions WHERE message_id = ? ORDER BY jid`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Transmission
	for rows.Next() {
		var (
			jid string
			at  int64
		)
		if err := rows.Scan(&jid, &at); err != nil {
			return nil, err
		}
		tr := model.Transmission{JID: model.JID(jid)}
		if at > 0 {
			tr.ReceivedAt = time.UnixMilli(at)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (db *DB) oneMessage(query string, args ...any) (*model.Message, error) {
	m, err := scanMessage(db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (db *DB) manyMessages(query string, args ...any) ([]model.Message, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
