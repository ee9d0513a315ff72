package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kontalk/konk/internal/model"
)

const chatColumns = `id, kind, thread_id, subject, group_owner, group_id, read, deleted`

func (db *DB) scanChat(row interface{ Scan(...any) error }) (*model.Chat, error) {
	var (
		c     model.Chat
		owner string
	)
	if err := row.Scan(&c.ID, &c.Kind, &c.ThreadID, &c.Subject, &owner, &c.Group.ID, &c.Read, &c.Deleted); err != nil {
		return nil, err
	}
	c.Group.Owner = model.JID(owner)
	return &c, nil
}

func (db *DB) loadMembers(c *model.Chat) error {
	rows, err := db.Query(`
		SELECT m.role, `+prefixed("c.", contactColumns)+`
		FROM chat_members m JOIN contacts c ON c.id = m.contact_id
		WHERE m.chat_id = ? ORDER BY c.jid`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	c.Members = nil
	for rows.Next() {
		var role model.Role
		ct, err := scanContact(scanFunc(func(dest ...any) error {
			return rows.Scan(append([]any{&role}, dest...)...)
		}))
		if err != nil {
			return err
		}
		c.Members = append(c.Members, model.Member{Contact: *ct, Role: role})
	}
	return rows.Err()
}

// CreateChat inserts a chat with its members and sets c.ID. Members must
// already exist as contacts.
func (db *DB) CreateChat(c *model.Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRow(`
		INSERT INTO chats (kind, thread_id, subject, group_owner, group_id, read, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.Kind, c.ThreadID, c.Subject, string(c.Group.Owner.Bare()), c.Group.ID,
		boolInt(c.Read), boolInt(c.Deleted), time.Now().UnixMilli()).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	if err := writeMembers(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveChat updates subject, thread, flags and the member list.
func (db *DB) SaveChat(c *model.Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE chats SET thread_id = ?, subject = ?, read = ?, deleted = ? WHERE id = ?`,
		c.ThreadID, c.Subject, boolInt(c.Read), boolInt(c.Deleted), c.ID); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chat_members WHERE chat_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	if err := writeMembers(tx, c); err != nil {
		return err
	}
	return tx.Commit()
}

func writeMembers(tx *sql.Tx, c *model.Chat) error {
	for _, m := range c.Members {
		if m.Contact.ID == 0 {
			return fmt.Errorf("member %s has no contact id", m.Contact.JID)
		}
		if _, err := tx.Exec(`INSERT INTO chat_members (chat_id, contact_id, role) VALUES (?, ?, ?)`,
			c.ID, m.Contact.ID, m.Role); err != nil {
			return fmt.Errorf("insert member %s: %w", m.Contact.JID, err)
		}
	}
	return nil
}

// Chat returns a chat with its members.
func (db *DB) Chat(id int64) (*model.Chat, error) {
	return db.oneChat(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
}

// SingleChatWith returns the single chat with jid, preferring one bound to
// threadID when several exist.
func (db *DB) SingleChatWith(jid model.JID, threadID string) (*model.Chat, error) {
	return db.oneChat(`
		SELECT `+prefixed("ch.", chatColumns)+`
		FROM chats ch
		JOIN chat_members m ON m.chat_id = ch.id
		JOIN contacts c ON c.id = m.contact_id
		WHERE ch.kind = 0 AND ch.deleted = 0 AND c.jid = ?
		ORDER BY (ch.thread_id = ?) DESC, ch.id ASC
		LIMIT 1`, string(jid.Bare()), threadID)
}

// GroupChat returns the group chat identified by gd.
func (db *DB) GroupChat(gd model.GroupData) (*model.Chat, error) {
	return db.oneChat(`SELECT `+chatColumns+` FROM chats WHERE kind = 1 AND group_owner = ? AND group_id = ?`,
		string(gd.Owner.Bare()), gd.ID)
}

// ListChats returns all chats that are not deleted, newest activity first.
func (db *DB) ListChats() ([]model.Chat, error) {
	rows, err := db.Query(`
		SELECT ` + prefixed("ch.", chatColumns) + `
		FROM chats ch LEFT JOIN messages msg ON msg.chat_id = ch.id
		WHERE ch.deleted = 0
		GROUP BY ch.id
		ORDER BY COALESCE(MAX(msg.id), 0) DESC, ch.id DESC`)
	if err != nil {
		return nil, err
	}
	var chats []model.Chat
	for rows.Next() {
		c, err := db.scanChat(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		chats = append(chats, *c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range chats {
		if err := db.loadMembers(&chats[i]); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

func (db *DB) oneChat(query string, args ...any) (*model.Chat, error) {
	c, err := db.scanChat(db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadMembers(c); err != nil {
		return nil, err
	}
	return c, nil
}
