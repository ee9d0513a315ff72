package store

import (
	"time"

	"github.com/kontalk/konk/internal/model"
)

// PendingKey is a received public key waiting for the user to confirm it
// replaces the contact's current key.
type PendingKey struct {
	JID         model.JID
	Fingerprint string
	Key         []byte
	ReceivedAt  time.Time
}

// PutPendingKey stores or replaces the pending key for a contact.
func (db *DB) PutPendingKey(k PendingKey) error {
	if k.ReceivedAt.IsZero() {
		k.ReceivedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO pending_keys (jid, fingerprint, pub_key, received_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET fingerprint = excluded.fingerprint, pub_key = excluded.pub_key, received_at = excluded.received_at`,
		string(k.JID.Bare()), k.Fingerprint, k.Key, k.ReceivedAt.UnixMilli())
	return err
}

// PendingKeys lists keys awaiting confirmation, oldest first.
func (db *DB) PendingKeys() ([]PendingKey, error) {
	rows, err := db.Query(`SELECT jid, fingerprint, pub_key, received_at FROM pending_keys ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingKey
	for rows.Next() {
		var (
			k   PendingKey
			jid string
			at  int64
		)
		if err := rows.Scan(&jid, &k.Fingerprint, &k.Key, &at); err != nil {
			return nil, err
		}
		k.JID = model.JID(jid)
		k.ReceivedAt = time.UnixMilli(at)
		out = append(out, k)
	}
	return out, rows.Err()
}

// TakePendingKey removes and returns the pending key of jid.
func (db *DB) TakePendingKey(jid model.JID) (*PendingKey, error) {
	var (
		k  PendingKey
		at int64
	)
	err := db.QueryRow(`DELETE FROM pending_keys WHERE jid = ? RETURNING fingerprint, pub_key, received_at`,
		string(jid.Bare())).Scan(&k.Fingerprint, &k.Key, &at)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	k.JID = jid.Bare()
	k.ReceivedAt = time.UnixMilli(at)
	return &k, nil
}
