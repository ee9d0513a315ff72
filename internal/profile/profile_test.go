package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirUsesKonkHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KONK_HOME", home)

	got := Dir("work")
	want := filepath.Join(home, "profiles", "work")
	if got != want {
		t.Errorf("Dir(work) = %q, want %q", got, want)
	}
}

func TestLayoutSuffixes(t *testing.T) {
	t.Setenv("KONK_HOME", t.TempDir())
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("p"), filepath.Join("profiles", "p", "konkd.sock")},
		{KeyDir("p"), filepath.Join("profiles", "p", "keys")},
		{AttachmentDir("p"), filepath.Join("profiles", "p", "attachments")},
		{PreviewDir("p"), filepath.Join("profiles", "p", "preview")},
		{LogPath("p"), filepath.Join("profiles", "p", "logs", "konkd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q: want suffix %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv("KONK_HOME", t.TempDir())
	if err := EnsureDir("p"); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{KeyDir("p"), AttachmentDir("p"), PreviewDir("p"), LogDir("p")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if info.Mode().Perm() != 0700 {
			t.Errorf("%s perm = %o, want 0700", d, info.Mode().Perm())
		}
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	t.Setenv("KONK_HOME", t.TempDir())
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultName)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "default", false},
		{"digits", "work123", false},
		{"hyphen", "my-profile", false},
		{"underscore", "my_profile", false},
		{"empty", "", true},
		{"uppercase", "Work", true},
		{"dot", "a.b", true},
		{"slash", "a/b", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
