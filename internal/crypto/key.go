// Package crypto implements the OpenPGP operations of the client: the
// personal key ring, message and attachment encryption, and the X.509
// bridge certificate.
package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/kontalk/konk/internal/model"
)

const (
	blockPrivateKey = "PGP PRIVATE KEY BLOCK"
	blockMessage    = "PGP MESSAGE"
	blockPublicKey  = "PGP PUBLIC KEY BLOCK"
)

var (
	// ErrBadPassphrase is returned when a key ring does not open with the given passphrase.
	ErrBadPassphrase = errors.New("wrong passphrase")
	// ErrNoKey is returned when the data holds no usable key.
	ErrNoKey = errors.New("no key found")
)

// PersonalKey is the user's unlocked key pair.
type PersonalKey struct {
	Entity      *openpgp.Entity
	UserID      string
	JID         model.JID
	Fingerprint string
}

func newPersonalKey(e *openpgp.Entity) (*PersonalKey, error) {
	uid := primaryUserID(e)
	if uid == nil {
		return nil, fmt.Errorf("%w: key has no user id", ErrNoKey)
	}
	return &PersonalKey{
		Entity:      e,
		UserID:      uid.Id,
		JID:         model.JID(uid.Email).Bare(),
		Fingerprint: Fingerprint(e),
	}, nil
}

// PublicKey returns the binary serialization of the public part.
func (k *PersonalKey) PublicKey() ([]byte, error) {
	var buf bytes.Buffer
	if err := k.Entity.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateKey creates a new key pair whose user id carries jid as e-mail.
// bits <= 0 uses the library default.
func GenerateKey(name string, jid model.JID, bits int) (*PersonalKey, error) {
	cfg := &packet.Config{RSABits: bits}
	e, err := openpgp.NewEntity(name, "", string(jid.Bare()), cfg)
	if err != nil {
		return nil, err
	}
	return newPersonalKey(e)
}

// LoadPersonalKey opens a key ring produced by ProtectKeyRing or a
// standard armored private key block protected with passphrase.
func LoadPersonalKey(ring []byte, passphrase string) (*PersonalKey, error) {
	e, err := openKeyRing(ring, passphrase)
	if err != nil {
		return nil, err
	}
	return newPersonalKey(e)
}

// ProtectKeyRing serializes the unlocked key pair and encrypts it with
// passphrase into an armored message.
func ProtectKeyRing(k *PersonalKey, passphrase string) ([]byte, error) {
	var plain bytes.Buffer
	if err := k.Entity.SerializePrivate(&plain, nil); err != nil {
		return nil, fmt.Errorf("serialize private key: %w", err)
	}

	var out bytes.Buffer
	aw, err := armor.Encode(&out, blockMessage, nil)
	if err != nil {
		return nil, err
	}
	w, err := openpgp.SymmetricallyEncrypt(aw, []byte(passphrase), &openpgp.FileHints{IsBinary: true}, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ReencryptKeyRing opens ring with oldPass and protects it again with newPass.
func ReencryptKeyRing(ring []byte, oldPass, newPass string) ([]byte, error) {
	k, err := LoadPersonalKey(ring, oldPass)
	if err != nil {
		return nil, err
	}
	return ProtectKeyRing(k, newPass)
}

func openKeyRing(ring []byte, passphrase string) (*openpgp.Entity, error) {
	block, err := armor.Decode(bytes.NewReader(ring))
	if err != nil {
		// Not armored: a binary key ring.
		return unlockEntity(bytes.NewReader(ring), passphrase)
	}
	switch block.Type {
	case blockPrivateKey:
		return unlockEntity(block.Body, passphrase)
	case blockMessage:
		tried := false
		prompt := func([]openpgp.Key, bool) ([]byte, error) {
			if tried {
				return nil, ErrBadPassphrase
			}
			tried = true
			return []byte(passphrase), nil
		}
		md, err := openpgp.ReadMessage(block.Body, openpgp.EntityList{}, prompt, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		plain, err := io.ReadAll(md.UnverifiedBody)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
		return unlockEntity(bytes.NewReader(plain), "")
	default:
		return nil, fmt.Errorf("%w: unexpected armor type %q", ErrNoKey, block.Type)
	}
}

func unlockEntity(r io.Reader, passphrase string) (*openpgp.Entity, error) {
	list, err := openpgp.ReadKeyRing(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	if len(list) == 0 || list[0].PrivateKey == nil {
		return nil, ErrNoKey
	}
	e := list[0]
	if e.PrivateKey.Encrypted {
		if err := e.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
		}
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
			}
		}
	}
	return e, nil
}

// ParsePublicKey reads the first entity of an armored or binary key.
func ParsePublicKey(data []byte) (*openpgp.Entity, error) {
	var (
		list openpgp.EntityList
		err  error
	)
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		list, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		list, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	if len(list) == 0 {
		return nil, ErrNoKey
	}
	return list[0], nil
}

// Fingerprint returns the upper-case hex fingerprint of the primary key.
func Fingerprint(e *openpgp.Entity) string {
	return strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint[:]))
}

// UserIDs returns the full user id strings of an entity.
func UserIDs(e *openpgp.Entity) []string {
	out := make([]string, 0, len(e.Identities))
	for _, id := range e.Identities {
		out = append(out, id.UserId.Id)
	}
	return out
}

// ArmorPublicKey wraps a binary public key in an armored block.
func ArmorPublicKey(key []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := armor.Encode(&out, blockPublicKey, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(key); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func primaryUserID(e *openpgp.Entity) *packet.UserId {
	var first *packet.UserId
	for _, id := range e.Identities {
		if id.SelfSignature != nil && id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId {
			return id.UserId
		}
		if first == nil || id.UserId.Id < first.Id {
			first = id.UserId
		}
	}
	return first
}
