package attachment

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kontalk/konk/internal/model"
)

// Op is the direction of a failed transfer.
type Op string

const (
	OpUpload   Op = "UPLOAD"
	OpDownload Op = "DOWNLOAD"
)

// Stage is the step at which a transfer failed.
type Stage string

const (
	StageCreate   Stage = "CREATE"
	StageExecute  Stage = "EXECUTE"
	StageResponse Stage = "RESPONSE"
	StageWrite    Stage = "WRITE"
)

// TransferError is a failed upload or download.
type TransferError struct {
	Op    Op
	Stage Stage
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s_%s: %v", e.Op, e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ProgressFunc receives download progress as a percentage or a
// model.Progress* sentinel.
type ProgressFunc func(p int)

// Transferer moves attachment bytes to and from the file server.
type Transferer interface {
	Upload(ctx context.Context, putURL string, headers map[string]string, path, mimeType string) error
	Download(ctx context.Context, url, dir string, progress ProgressFunc) (path, mimeType string, err error)
}

// HTTPTransfer implements Transferer over plain HTTP(S) PUT and GET.
type HTTPTransfer struct {
	client *resty.Client
}

// NewHTTPTransfer wraps a resty client. A nil client gets a default one.
func NewHTTPTransfer(client *resty.Client) *HTTPTransfer {
	if client == nil {
		client = resty.New().SetTimeout(5 * time.Minute)
	}
	return &HTTPTransfer{client: client}
}

func (t *HTTPTransfer) Upload(ctx context.Context, putURL string, headers map[string]string, path, mimeType string) error {
	fail := func(stage Stage, err error) error {
		return &TransferError{Op: OpUpload, Stage: stage, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fail(StageCreate, err)
	}
	if info.Size() > MaxSize {
		return fail(StageCreate, fmt.Errorf("file too large: %d bytes", info.Size()))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(StageCreate, err)
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", mimeType).
		SetHeaders(headers).
		SetBody(data).
		Put(putURL)
	if err != nil {
		return fail(StageExecute, err)
	}
	if resp.IsError() {
		return fail(StageResponse, fmt.Errorf("unexpected status %s", resp.Status()))
	}
	return nil
}

func (t *HTTPTransfer) Download(ctx context.Context, url, dir string, progress ProgressFunc) (string, string, error) {
	fail := func(stage Stage, err error) error {
		return &TransferError{Op: OpDownload, Stage: stage, Err: err}
	}
	if progress == nil {
		progress = func(int) {}
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", "", fail(StageExecute, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", "", fail(StageResponse, fmt.Errorf("unexpected status %s", resp.Status()))
	}

	mimeType := resp.Header().Get("Content-Type")
	if base, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = base
	}
	size := int64(-1)
	if v := resp.Header().Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			size = n
		}
	}
	if size > MaxSize {
		return "", "", fail(StageResponse, fmt.Errorf("file too large: %d bytes", size))
	}

	name := filenameFromDisposition(resp.Header().Get("Content-Disposition"))
	if name == "" {
		name = "att_" + randomString(4) + "." + ExtensionForMIME(mimeType)
	}
	out, err := createUnique(dir, name)
	if err != nil {
		return "", "", fail(StageCreate, err)
	}

	if size < 0 {
		progress(model.ProgressUnknown)
	} else {
		progress(model.ProgressStarted)
	}
	werr := copyWithProgress(out, io.LimitReader(body, MaxSize+1), size, progress)
	if cerr := out.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(out.Name())
		return "", "", fail(StageWrite, werr)
	}
	return out.Name(), mimeType, nil
}

// copyWithProgress copies src to dst, reporting the percentage at most every
// 100ms and once at the end.
func copyWithProgress(dst io.Writer, src io.Reader, size int64, progress ProgressFunc) error {
	buf := make([]byte, 32*1024)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	percent := func(written int64) int {
		if size <= 0 {
			return model.ProgressUnknown
		}
		return int(min(written*100/size, 100))
	}

	var written int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			written += int64(n)
			if written > MaxSize {
				return fmt.Errorf("file exceeds %d bytes", MaxSize)
			}
			select {
			case <-ticker.C:
				progress(percent(written))
			default:
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	progress(percent(written))
	return nil
}

// filenameFromDisposition extracts a safe base name from a
// Content-Disposition header.
func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := filepath.Base(params["filename"])
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func createUnique(dir, name string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil || !os.IsExist(err) {
		return f, err
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	return os.OpenFile(filepath.Join(dir, stem+"_"+randomString(4)+ext), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
}

const alphanum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphanum[int(b[i])%len(alphanum)]
	}
	return string(b)
}
