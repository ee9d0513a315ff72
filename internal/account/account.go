// Package account manages the user's personal key: loading, importing and
// re-protecting it with a new passphrase.
package account

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/crypto"
	"github.com/kontalk/konk/internal/model"
	"go.uber.org/zap"
)

const (
	PrivateKeyFile = "kontalk-private.asc"
	BridgeCertFile = "kontalk-login.crt"

	passphraseLen = 40
)

// Account owns the key files in one directory. The stored passphrase lives
// in the profile settings.
type Account struct {
	mu     sync.Mutex
	dir    string
	cfg    *config.Store
	logger *zap.Logger
	key    *crypto.PersonalKey
}

// New returns an Account over the key files in dir.
func New(dir string, cfg *config.Store, logger *zap.Logger) *Account {
	return &Account{dir: dir, cfg: cfg, logger: logger.Named("account")}
}

func (a *Account) keyPath() string  { return filepath.Join(a.dir, PrivateKeyFile) }
func (a *Account) certPath() string { return filepath.Join(a.dir, BridgeCertFile) }

// IsPresent reports whether both key files exist.
func (a *Account) IsPresent() bool {
	return fileExists(a.keyPath()) && fileExists(a.certPath())
}

// IsPasswordProtected reports whether the user set a password. Without one,
// the key is protected by a generated passphrase kept in the settings, so
// an empty stored passphrase is what marks a user password.
func (a *Account) IsPasswordProtected() bool {
	return a.cfg.Get().Account.Passphrase == ""
}

// Key returns the key unlocked by the last successful Load, or nil.
func (a *Account) Key() *crypto.PersonalKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.key
}

// JID returns the address bound to the account.
func (a *Account) JID() model.JID {
	if k := a.Key(); k != nil {
		return k.JID
	}
	return model.JID(a.cfg.Get().Account.JID)
}

// Load reads and decrypts the stored key ring with password.
func (a *Account) Load(password string) (*crypto.PersonalKey, error) {
	ring, err := os.ReadFile(a.keyPath())
	if err != nil {
		return nil, wrap(ReadFile, err)
	}
	if _, err := os.Stat(a.certPath()); err != nil {
		return nil, wrap(ReadFile, err)
	}
	key, err := crypto.LoadPersonalKey(ring, password)
	if err != nil {
		return nil, wrap(LoadKey, err)
	}

	a.mu.Lock()
	a.key = key
	a.mu.Unlock()
	a.logger.Info("personal key loaded", zap.String("jid", string(key.JID)), zap.String("fingerprint", key.Fingerprint))
	return key, nil
}

// Unlock loads the key with password, falling back to the stored
// passphrase when password is empty and the user never set one.
func (a *Account) Unlock(password string) (*crypto.PersonalKey, error) {
	if !a.IsPresent() {
		return nil, ErrNoAccount
	}
	if password == "" {
		if a.IsPasswordProtected() {
			return nil, ErrPasswordRequired
		}
		password = a.cfg.Get().Account.Passphrase
	}
	return a.Load(password)
}

// SetAccount replaces the stored account with the given private key ring,
// opened with password. Nothing is written unless the key loads.
func (a *Account) SetAccount(ring []byte, password string) error {
	key, err := crypto.LoadPersonalKey(ring, password)
	if err != nil {
		return wrap(ImportKey, err)
	}
	cert, err := crypto.BridgeCertificate(key)
	if err != nil {
		return wrap(ImportKey, fmt.Errorf("bridge certificate: %w", err))
	}
	pass, err := randomPassphrase()
	if err != nil {
		return wrap(ImportKey, err)
	}
	protected, err := crypto.ProtectKeyRing(key, pass)
	if err != nil {
		return wrap(ImportKey, err)
	}

	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return wrap(WriteFile, err)
	}
	if err := writeFilesAtomic(map[string][]byte{a.certPath(): cert, a.keyPath(): protected}); err != nil {
		return wrap(WriteFile, err)
	}
	if err := a.cfg.Update(func(s *config.Settings) {
		s.Account.Passphrase = pass
		s.Account.JID = string(key.JID)
	}); err != nil {
		return wrap(WriteFile, err)
	}

	a.mu.Lock()
	a.key = key
	a.mu.Unlock()
	a.logger.Info("account imported", zap.String("jid", string(key.JID)))
	return nil
}

// SetPassword re-protects the stored key. An empty oldPass means the stored
// passphrase; an empty newPass removes the user password by generating a
// random passphrase kept in the settings.
func (a *Account) SetPassword(oldPass, newPass string) error {
	ring, err := os.ReadFile(a.keyPath())
	if err != nil {
		return wrap(ReadFile, err)
	}
	if oldPass == "" {
		oldPass = a.cfg.Get().Account.Passphrase
	}

	stored := ""
	if newPass == "" {
		if newPass, err = randomPassphrase(); err != nil {
			return wrap(ChangePass, err)
		}
		stored = newPass
	}

	changed, err := crypto.ReencryptKeyRing(ring, oldPass, newPass)
	if err != nil {
		return wrap(ChangePass, err)
	}
	if err := writeFilesAtomic(map[string][]byte{a.keyPath(): changed}); err != nil {
		return wrap(WriteFile, err)
	}
	if err := a.cfg.Update(func(s *config.Settings) { s.Account.Passphrase = stored }); err != nil {
		return wrap(WriteFile, err)
	}
	a.logger.Info("account password changed", zap.Bool("protected", stored == ""))
	return nil
}

// writeFilesAtomic stages every file next to its target and only then
// renames them into place.
func writeFilesAtomic(files map[string][]byte) error {
	staged := make(map[string]string, len(files))
	cleanup := func() {
		for _, tmp := range staged {
			_ = os.Remove(tmp)
		}
	}
	for path, data := range files {
		f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
		if err != nil {
			cleanup()
			return err
		}
		staged[path] = f.Name()
		_, werr := f.Write(data)
		if werr == nil {
			werr = f.Sync()
		}
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr == nil {
			werr = os.Chmod(f.Name(), 0600)
		}
		if werr != nil {
			cleanup()
			return werr
		}
	}
	for path, tmp := range staged {
		if err := os.Rename(tmp, path); err != nil {
			cleanup()
			return err
		}
		delete(staged, path)
	}
	return nil
}

const passphraseChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomPassphrase() (string, error) {
	b := make([]byte, passphraseLen)
	max := big.NewInt(int64(len(passphraseChars)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = passphraseChars[n.Int64()]
	}
	return string(b), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// IsUserError reports failures caused by the input rather than the disk.
func IsUserError(err error) bool {
	return errors.Is(err, ErrLoadKey) || errors.Is(err, ErrImportKey) || errors.Is(err, ErrChangePass)
}
