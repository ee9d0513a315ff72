package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.konk, or $KONK_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("KONK_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".konk")
}

// Dir returns the profile-specific application directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "konkd.sock")
}

// KeyDir holds the private key ring and the bridge certificate.
func KeyDir(name string) string {
	return filepath.Join(Dir(name), "keys")
}

// AttachmentDir holds raw or encrypted attachment files.
func AttachmentDir(name string) string {
	return filepath.Join(Dir(name), "attachments")
}

// PreviewDir holds generated and received thumbnails.
func PreviewDir(name string) string {
	return filepath.Join(Dir(name), "preview")
}

// DBPath returns the SQLite database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "konk.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "konkd.log")
}

// ConfigPath returns the profile settings file.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// EnvPath returns the optional dotenv file of a profile.
func EnvPath(name string) string {
	return filepath.Join(Dir(name), ".env")
}

// GlobalConfigPath returns the global config file path.
func GlobalConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), KeyDir(name), AttachmentDir(name), PreviewDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
