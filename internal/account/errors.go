package account

import (
	"errors"
	"fmt"
)

// Kind classifies account failures.
type Kind string

const (
	ReadFile       Kind = "READ_FILE"
	WriteFile      Kind = "WRITE_FILE"
	LoadKey        Kind = "LOAD_KEY"
	ImportKey      Kind = "IMPORT_KEY"
	ImportArchive  Kind = "IMPORT_ARCHIVE"
	ImportReadFile Kind = "IMPORT_READ_FILE"
	ChangePass     Kind = "CHANGE_PASS"
)

// Error is a typed account failure. errors.Is matches on Kind, so
// errors.Is(err, account.ErrLoadKey) holds for any LOAD_KEY failure.
type Error struct {
	Kind Kind
	Err  error
}

var (
	ErrReadFile       = &Error{Kind: ReadFile}
	ErrWriteFile      = &Error{Kind: WriteFile}
	ErrLoadKey        = &Error{Kind: LoadKey}
	ErrImportKey      = &Error{Kind: ImportKey}
	ErrImportArchive  = &Error{Kind: ImportArchive}
	ErrImportReadFile = &Error{Kind: ImportReadFile}
	ErrChangePass     = &Error{Kind: ChangePass}

	// ErrPasswordRequired is returned by Unlock when the key is protected
	// by a user password and none was given.
	ErrPasswordRequired = errors.New("account password required")
	// ErrNoAccount is returned when no key is stored.
	ErrNoAccount = errors.New("no account configured")
	// ErrAborted is returned by an import whose result was discarded.
	ErrAborted = errors.New("import aborted")
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "account: " + string(e.Kind)
	}
	return fmt.Sprintf("account: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

func wrap(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the Kind of an account error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
