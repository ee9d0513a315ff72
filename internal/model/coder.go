package model

import "slices"

// Encryption state of message or attachment bytes.
type Encryption int

const (
	// EncNot: never was and will not be encrypted.
	EncNot Encryption = iota
	// EncEncrypted: bytes are still encrypted locally.
	EncEncrypted
	// EncDecrypted: plain locally, encrypted on the wire.
	EncDecrypted
)

// Signing state of a message.
type Signing int

const (
	SignUnknown Signing = iota
	SignNot
	SignSigned
	SignVerified
)

// CoderError is a security problem found while encrypting or decrypting.
type CoderError string

const (
	ErrUnknown              CoderError = "UNKNOWN_ERROR"
	ErrMyKeyUnavailable     CoderError = "MY_KEY_UNAVAILABLE"
	ErrKeyUnavailable       CoderError = "KEY_UNAVAILABLE"
	ErrInvalidKey           CoderError = "INVALID_KEY"
	ErrInvalidPrivateKey    CoderError = "INVALID_PRIVATE_KEY"
	ErrInvalidData          CoderError = "INVALID_DATA"
	ErrNoIntegrity          CoderError = "NO_INTEGRITY"
	ErrInvalidIntegrity     CoderError = "INVALID_INTEGRITY"
	ErrInvalidSignatureData CoderError = "INVALID_SIGNATURE_DATA"
	ErrInvalidSignature     CoderError = "INVALID_SIGNATURE"
	ErrInvalidRecipient     CoderError = "INVALID_RECIPIENT"
	ErrInvalidSender        CoderError = "INVALID_SENDER"
	ErrInvalidTimestamp     CoderError = "INVALID_TIMESTAMP"
)

// CoderStatus records the encryption and signing outcome of a message.
type CoderStatus struct {
	Encryption Encryption   `json:"encryption"`
	Signing    Signing      `json:"signing"`
	Errors     []CoderError `json:"coder_errors,omitempty"`
}

// NewOutCoderStatus returns the initial status of an outgoing message.
func NewOutCoderStatus(encrypted bool) CoderStatus {
	if encrypted {
		return CoderStatus{Encryption: EncDecrypted, Signing: SignSigned}
	}
	return CoderStatus{Encryption: EncNot, Signing: SignNot}
}

// NewInCoderStatus returns the initial status of an incoming message.
func NewInCoderStatus(encrypted bool) CoderStatus {
	if encrypted {
		return CoderStatus{Encryption: EncEncrypted, Signing: SignUnknown}
	}
	return CoderStatus{Encryption: EncNot, Signing: SignNot}
}

func (c CoderStatus) IsEncrypted() bool { return c.Encryption == EncEncrypted }

// IsSecure is true for decrypted content with a verified signature.
func (c CoderStatus) IsSecure() bool {
	return c.Encryption == EncDecrypted && c.Signing == SignVerified
}

// SetDecrypted marks encrypted bytes as decrypted. Other states are left alone.
func (c *CoderStatus) SetDecrypted() bool {
	if c.Encryption != EncEncrypted {
		return false
	}
	c.Encryption = EncDecrypted
	return true
}

// SetSigning applies a signing outcome. Unknown may become anything and
// Signed may only become Verified.
func (c *CoderStatus) SetSigning(s Signing) bool {
	switch {
	case c.Signing == s:
		return true
	case c.Signing == SignUnknown:
	case c.Signing == SignSigned && s == SignVerified:
	default:
		return false
	}
	c.Signing = s
	return true
}

func (c *CoderStatus) AddError(e CoderError) {
	if !slices.Contains(c.Errors, e) {
		c.Errors = append(c.Errors, e)
	}
}

func (c *CoderStatus) HasErrors() bool { return len(c.Errors) > 0 }

// HasAny reports whether any of errs was recorded.
func (c *CoderStatus) HasAny(errs ...CoderError) bool {
	for _, e := range errs {
		if slices.Contains(c.Errors, e) {
			return true
		}
	}
	return false
}
