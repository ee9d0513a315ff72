package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	pgperrors "github.com/ProtonMail/go-crypto/openpgp/errors"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/kontalk/konk/internal/model"
)

// Mode selects how message content is protected on the wire.
type Mode int

const (
	ModeNone Mode = iota
	// ModeRFC3923 encrypts and signs the message body.
	ModeRFC3923
	// ModeXEP0373 encrypts and signs an envelope that also binds the
	// recipients and a timestamp.
	ModeXEP0373
)

func (m Mode) String() string {
	switch m {
	case ModeRFC3923:
		return "rfc3923"
	case ModeXEP0373:
		return "xep0373"
	default:
		return "none"
	}
}

const signcryptName = "signcrypt.json"

// Failure is an encryption or decryption error tagged with its coder error.
type Failure struct {
	Code model.CoderError
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(code model.CoderError, err error) *Failure {
	return &Failure{Code: code, Err: err}
}

var cipherConfig = &packet.Config{DefaultCipher: packet.CipherAES256}

// Recipient is a peer able to receive encrypted data.
type Recipient struct {
	JID model.JID
	Key []byte
}

type envelope struct {
	To      []model.JID `json:"to"`
	Time    time.Time   `json:"time"`
	Padding string      `json:"rpad"`
	Payload []byte      `json:"payload"`
}

// Decrypted is the outcome of DecryptMessage.
type Decrypted struct {
	Plain  []byte
	Mode   Mode
	Status model.CoderStatus
}

func recipientEntities(to []Recipient) (openpgp.EntityList, error) {
	if len(to) == 0 {
		return nil, fail(model.ErrKeyUnavailable, errors.New("no recipients"))
	}
	list := make(openpgp.EntityList, 0, len(to))
	for _, r := range to {
		if len(r.Key) == 0 {
			return nil, fail(model.ErrKeyUnavailable, fmt.Errorf("no key for %s", r.JID))
		}
		e, err := ParsePublicKey(r.Key)
		if err != nil {
			return nil, fail(model.ErrInvalidKey, fmt.Errorf("key of %s: %w", r.JID, err))
		}
		list = append(list, e)
	}
	return list, nil
}

func encryptTo(w io.Writer, me *PersonalKey, to []Recipient, hints *openpgp.FileHints) (io.WriteCloser, error) {
	if me == nil {
		return nil, fail(model.ErrMyKeyUnavailable, nil)
	}
	ents, err := recipientEntities(to)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(w, ents, me.Entity, hints, cipherConfig)
	if err != nil {
		return nil, fail(model.ErrUnknown, err)
	}
	return pw, nil
}

// EncryptMessage encrypts and signs plain for the recipients.
func EncryptMessage(mode Mode, plain []byte, me *PersonalKey, to []Recipient) ([]byte, error) {
	hints := &openpgp.FileHints{}
	payload := plain
	switch mode {
	case ModeRFC3923:
	case ModeXEP0373:
		pad := make([]byte, 1+int(randByte())%32)
		_, _ = rand.Read(pad)
		env := envelope{Time: time.Now().UTC(), Padding: base64.StdEncoding.EncodeToString(pad), Payload: plain}
		for _, r := range to {
			env.To = append(env.To, r.JID.Bare())
		}
		var err error
		if payload, err = json.Marshal(env); err != nil {
			return nil, fail(model.ErrUnknown, err)
		}
		hints.FileName = signcryptName
	default:
		return nil, fmt.Errorf("mode %s does not encrypt", mode)
	}

	var buf bytes.Buffer
	w, err := encryptTo(&buf, me, to, hints)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fail(model.ErrUnknown, err)
	}
	if err := w.Close(); err != nil {
		return nil, fail(model.ErrUnknown, err)
	}
	return buf.Bytes(), nil
}

// DecryptMessage decrypts data addressed to me and verifies the signature
// against the sender's key, if known. Security problems are reported in
// the returned status; a non-nil error means nothing could be decrypted.
func DecryptMessage(data []byte, me *PersonalKey, sender model.JID, senderKey []byte) (*Decrypted, error) {
	res := &Decrypted{Mode: ModeRFC3923, Status: model.NewInCoderStatus(true)}
	fileName, plain, err := decryptStream(bytes.NewReader(data), me, senderKey, &res.Status)
	if err != nil {
		res.Status.AddError(err.Code)
		return res, err
	}

	if fileName == signcryptName {
		res.Mode = ModeXEP0373
		var env envelope
		if jerr := json.Unmarshal(plain, &env); jerr != nil {
			res.Status.AddError(model.ErrInvalidData)
			return res, fail(model.ErrInvalidData, jerr)
		}
		if !model.ContainsJID(env.To, me.JID) {
			res.Status.AddError(model.ErrInvalidRecipient)
		}
		if env.Time.IsZero() {
			res.Status.AddError(model.ErrInvalidTimestamp)
		}
		plain = env.Payload
	}
	res.Plain = plain
	res.Status.SetDecrypted()
	return res, nil
}

// decryptStream reads one OpenPGP message and updates st with the signing
// outcome. It returns the literal file name and the plain bytes.
func decryptStream(r io.Reader, me *PersonalKey, senderKey []byte, st *model.CoderStatus) (string, []byte, *Failure) {
	if me == nil {
		return "", nil, fail(model.ErrMyKeyUnavailable, nil)
	}
	keyring := openpgp.EntityList{me.Entity}
	var sender *openpgp.Entity
	if len(senderKey) > 0 {
		e, err := ParsePublicKey(senderKey)
		if err != nil {
			st.AddError(model.ErrInvalidKey)
		} else {
			sender = e
			keyring = append(keyring, e)
		}
	}

	md, err := openpgp.ReadMessage(r, keyring, nil, cipherConfig)
	if err != nil {
		if errors.Is(err, pgperrors.ErrKeyIncorrect) {
			return "", nil, fail(model.ErrInvalidPrivateKey, err)
		}
		return "", nil, fail(model.ErrInvalidData, err)
	}
	if !md.IsEncrypted {
		return "", nil, fail(model.ErrInvalidData, errors.New("message is not encrypted"))
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		var se pgperrors.SignatureError
		if errors.As(err, &se) {
			return "", nil, fail(model.ErrInvalidIntegrity, err)
		}
		return "", nil, fail(model.ErrInvalidData, err)
	}

	switch {
	case !md.IsSigned:
		st.SetSigning(model.SignNot)
	case md.SignedBy == nil:
		st.SetSigning(model.SignSigned)
		st.AddError(model.ErrKeyUnavailable)
	case md.SignatureError != nil:
		st.SetSigning(model.SignSigned)
		st.AddError(model.ErrInvalidSignature)
	case sender == nil || md.SignedBy.Entity.PrimaryKey.KeyId != sender.PrimaryKey.KeyId:
		st.SetSigning(model.SignSigned)
		st.AddError(model.ErrInvalidSender)
	default:
		st.SetSigning(model.SignSigned)
		st.SetSigning(model.SignVerified)
	}

	name := ""
	if md.LiteralData != nil {
		name = md.LiteralData.FileName
	}
	return name, plain, nil
}

// EncryptFile writes an encrypted and signed copy of src into dir and
// returns its path. The caller owns the returned file.
func EncryptFile(src, dir string, me *PersonalKey, to []Recipient) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "enc-*.pgp")
	if err != nil {
		return "", err
	}
	done := false
	defer func() {
		_ = out.Close()
		if !done {
			_ = os.Remove(out.Name())
		}
	}()

	w, err := encryptTo(out, me, to, &openpgp.FileHints{IsBinary: true, FileName: filepath.Base(src)})
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, in); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	done = true
	return out.Name(), nil
}

// DecryptFileInPlace replaces an encrypted attachment with its plain
// content and returns the resulting coder status.
func DecryptFileInPlace(path string, me *PersonalKey, senderKey []byte) (model.CoderStatus, error) {
	st := model.NewInCoderStatus(true)
	in, err := os.Open(path)
	if err != nil {
		return st, err
	}
	_, plain, ferr := decryptStream(in, me, senderKey, &st)
	_ = in.Close()
	if ferr != nil {
		st.AddError(ferr.Code)
		return st, ferr
	}

	tmp := path + ".dec"
	if err := os.WriteFile(tmp, plain, 0600); err != nil {
		return st, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return st, err
	}
	st.SetDecrypted()
	return st, nil
}

// HasError reports whether err is a Failure with one of codes.
func HasError(err error, codes ...model.CoderError) bool {
	var f *Failure
	return errors.As(err, &f) && slices.Contains(codes, f.Code)
}

func randByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}
