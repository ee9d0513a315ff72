package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Global represents ~/.konk/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Settings represents the per-profile config.toml.
type Settings struct {
	Server      Server      `toml:"server"`
	Account     Account     `toml:"account"`
	Net         Net         `toml:"net"`
	Attachments Attachments `toml:"attachments"`
	Main        Main        `toml:"main"`
}

type Server struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	CertValidation bool   `toml:"cert_validation"`
	RelayURL       string `toml:"relay_url"`
}

// Account holds the stored passphrase and the JID parsed from the key.
// An empty passphrase means the user chose a password of their own.
type Account struct {
	Passphrase string `toml:"passphrase"`
	JID        string `toml:"jid"`
}

type Net struct {
	SendChatState    bool `toml:"send_chat_state"`
	AutoSubscription bool `toml:"auto_subscription"`
	RequestAvatars   bool `toml:"request_avatars"`
	// MaxImgSize is a pixel budget for outgoing images; <= 0 disables resizing.
	MaxImgSize   int  `toml:"max_img_size"`
	RetryConnect bool `toml:"retry_connect"`
	RetrySeconds int  `toml:"retry_seconds"`
}

type Attachments struct {
	SlotProvider string   `toml:"slot_provider"` // "http" or "s3"
	SlotURL      string   `toml:"slot_url"`
	S3Bucket     string   `toml:"s3_bucket"`
	S3Region     string   `toml:"s3_region"`
	S3Endpoint   string   `toml:"s3_endpoint"`
	S3AccessKey  string   `toml:"s3_access_key"`
	S3SecretKey  string   `toml:"s3_secret_key"`
	PresignTTL   Duration `toml:"presign_ttl"`
}

type Main struct {
	ConnectStartup bool `toml:"connect_startup"`
}

// Duration decodes TOML strings like "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the settings used for a fresh profile.
func Default() Settings {
	return Settings{
		Server: Server{
			Host:           "beta.kontalk.net",
			Port:           5999,
			CertValidation: true,
		},
		Net: Net{
			SendChatState:  true,
			RequestAvatars: true,
			MaxImgSize:     -1,
			RetryConnect:   true,
			RetrySeconds:   20,
		},
		Attachments: Attachments{
			SlotProvider: "http",
			PresignTTL:   Duration{15 * time.Minute},
		},
		Main: Main{ConnectStartup: true},
	}
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGlobal writes the global config, creating parent dirs as needed.
func SaveGlobal(path string, g *Global) error {
	return writeTOML(path, g)
}

// Load reads profile settings on top of Default. A missing file yields the defaults.
func Load(path string) (*Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return &s, nil
}

// Save writes profile settings with owner-only permissions.
func Save(path string, s *Settings) error {
	return writeTOML(path, s)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Store is the mutable, persisted settings of a running profile.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings Settings
}

// NewStore loads settings from path and applies environment overrides.
func NewStore(path, envPath string) (*Store, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(s, envPath); err != nil {
		return nil, err
	}
	return &Store{path: path, settings: *s}, nil
}

// NewMemoryStore returns a Store that never touches disk.
func NewMemoryStore(s Settings) *Store {
	return &Store{settings: s}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update applies fn and persists the result.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.settings
	fn(&next)
	if s.path != "" {
		if err := Save(s.path, &next); err != nil {
			return err
		}
	}
	s.settings = next
	return nil
}
