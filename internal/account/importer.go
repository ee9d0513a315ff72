package account

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const maxEntrySize = 1 << 20

// Importer brings an existing account into the client.
type Importer struct {
	acc     *Account
	http    *resty.Client
	logger  *zap.Logger
	aborted atomic.Bool
}

// NewImporter creates an importer. http may be nil for a default client.
func NewImporter(acc *Account, http *resty.Client, logger *zap.Logger) *Importer {
	if http == nil {
		http = resty.New().SetTimeout(30 * time.Second)
	}
	return &Importer{acc: acc, http: http, logger: logger.Named("importer")}
}

// FromZipFile imports an exported account archive holding the private key
// ring and the bridge certificate.
func (i *Importer) FromZipFile(path, password string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return wrap(ImportArchive, err)
	}
	defer func() { _ = zr.Close() }()

	var keyEntry, certEntry *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case PrivateKeyFile:
			keyEntry = f
		case BridgeCertFile:
			certEntry = f
		}
	}
	if keyEntry == nil || certEntry == nil {
		return wrap(ImportArchive, fmt.Errorf("archive must contain %s and %s", PrivateKeyFile, BridgeCertFile))
	}

	ring, err := readEntry(keyEntry)
	if err != nil {
		return wrap(ImportReadFile, err)
	}
	if _, err := readEntry(certEntry); err != nil {
		return wrap(ImportReadFile, err)
	}
	return i.acc.SetAccount(ring, password)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxEntrySize {
		return nil, fmt.Errorf("%s is too large", f.Name)
	}
	return data, nil
}

// FromServer fetches the private key ring registered under token. A call
// to Abort while the request runs makes the result be discarded.
func (i *Importer) FromServer(ctx context.Context, url, token, password string) error {
	i.aborted.Store(false)

	resp, err := i.http.R().
		SetContext(ctx).
		SetQueryParam("token", token).
		SetHeader("Accept", "application/pgp-keys").
		Get(url)
	if i.aborted.Load() {
		i.logger.Info("server import aborted, discarding result")
		return ErrAborted
	}
	if err != nil {
		return wrap(ImportKey, fmt.Errorf("request private key: %w", err))
	}
	if resp.IsError() {
		return wrap(ImportKey, fmt.Errorf("request private key: %s", resp.Status()))
	}
	return i.acc.SetAccount(resp.Body(), password)
}

// Abort discards the result of a running FromServer call.
func (i *Importer) Abort() {
	i.aborted.Store(true)
}
