package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/kontalk/konk/internal/model"
)

const contactColumns = `id, jid, name, status, fingerprint, pub_key, subscription, online, last_seen, encrypted, deleted, blocked`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var (
		c        model.Contact
		jid      string
		sub, onl string
		lastSeen int64
	)
	err := row.Scan(&c.ID, &jid, &c.Name, &c.Status, &c.Fingerprint, &c.Key, &sub, &onl, &lastSeen, &c.Encrypted, &c.Deleted, &c.Blocked)
	if err != nil {
		return nil, err
	}
	c.JID = model.JID(jid)
	c.Subscription = model.Subscription(sub)
	c.Online = model.Online(onl)
	if lastSeen > 0 {
		c.LastSeen = time.UnixMilli(lastSeen)
	}
	return &c, nil
}

// UpsertContact inserts or fully updates a contact keyed by bare JID and sets c.ID.
func (db *DB) UpsertContact(c *model.Contact) error {
	c.JID = c.JID.Bare()
	if c.Subscription == "" {
		c.Subscription = model.SubUnknown
	}
	if c.Online == "" {
		c.Online = model.OnlineUnknown
	}
	var lastSeen int64
	if !c.LastSeen.IsZero() {
		lastSeen = c.LastSeen.UnixMilli()
	}
	return db.QueryRow(`
		INSERT INTO contacts (jid, name, status, fingerprint, pub_key, subscription, online, last_seen, encrypted, deleted, blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			fingerprint = excluded.fingerprint,
			pub_key = excluded.pub_key,
			subscription = excluded.subscription,
			online = excluded.online,
			last_seen = excluded.last_seen,
			encrypted = excluded.encrypted,
			deleted = excluded.deleted,
			blocked = excluded.blocked,
			updated_at = excluded.updated_at
		RETURNING id`,
		string(c.JID), c.Name, c.Status, c.Fingerprint, c.Key, string(c.Subscription), string(c.Online), lastSeen,
		boolInt(c.Encrypted), boolInt(c.Deleted), boolInt(c.Blocked), time.Now().UnixMilli()).Scan(&c.ID)
}

// ContactByJID returns the contact with the given bare JID or ErrNotFound.
func (db *DB) ContactByJID(jid model.JID) (*model.Contact, error) {
	c, err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE jid = ?`, string(jid.Bare())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListContacts returns all contacts, including deleted ones, ordered by JID.
func (db *DB) ListContacts() ([]model.Contact, error) {
	rows, err := db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY jid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetContactKey stores a public key and its fingerprint.
func (db *DB) SetContactKey(jid model.JID, key []byte, fingerprint string) error {
	return db.updateContact(`UPDATE contacts SET pub_key = ?, fingerprint = ?, updated_at = ? WHERE jid = ?`,
		key, fingerprint, time.Now().UnixMilli(), string(jid.Bare()))
}

// SetContactPresence records the online state and optional status text.
func (db *DB) SetContactPresence(jid model.JID, online model.Online, status string) error {
	now := time.Now().UnixMilli()
	return db.updateContact(`
		UPDATE contacts SET online = ?,
			status = CASE WHEN ? != '' THEN ? ELSE status END,
			last_seen = CASE WHEN ? = 'YES' THEN ? ELSE last_seen END,
			updated_at = ?
		WHERE jid = ?`,
		string(online), status, status, string(online), now, now, string(jid.Bare()))
}

// SetContactSubscription records the roster subscription state.
func (db *DB) SetContactSubscription(jid model.JID, sub model.Subscription) error {
	return db.updateContact(`UPDATE contacts SET subscription = ?, updated_at = ? WHERE jid = ?`,
		string(sub), time.Now().UnixMilli(), string(jid.Bare()))
}

// ResetOnline marks every contact's online state unknown.
func (db *DB) ResetOnline() error {
	_, err := db.Exec(`UPDATE contacts SET online = 'UNKNOWN' WHERE online != 'UNKNOWN'`)
	return err
}

func (db *DB) updateContact(query string, args ...any) error {
	res, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
