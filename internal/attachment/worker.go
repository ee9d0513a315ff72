package attachment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/kontalk/konk/internal/bus"
	"github.com/kontalk/konk/internal/config"
	"github.com/kontalk/konk/internal/model"
)

// Store persists attachment state of messages.
type Store interface {
	Message(id int64) (*model.Message, error)
	UpdateContent(id int64, c *model.Content) error
	SetMessageStatus(id int64, status model.Status, serverErr string) (bool, error)
}

// Coder encrypts outgoing and decrypts incoming attachment files.
type Coder interface {
	EncryptFile(m *model.Message, path, dir string) (string, error)
	DecryptFile(m *model.Message, path string) (model.CoderStatus, error)
}

// Resender submits a message again once its attachment is uploaded.
type Resender interface {
	SendMessage(ctx context.Context, m *model.Message) error
}

// ErrorHandler is told about every failed transfer, once.
type ErrorHandler func(m *model.Message, err error)

type taskKind int

const (
	taskUpload taskKind = iota
	taskDownload
)

func (k taskKind) String() string {
	if k == taskUpload {
		return "upload"
	}
	return "download"
}

type task struct {
	kind      taskKind
	messageID int64
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Store         Store
	Slots         SlotProvider
	Transfer      Transferer
	Coder         Coder
	Settings      *config.Store
	Bus           *bus.Bus
	Logger        *zap.Logger
	AttachmentDir string
	PreviewDir    string
}

// Worker runs attachment transfers one at a time in queue order.
type Worker struct {
	Deps

	mu       sync.Mutex
	queue    []task
	wake     chan struct{}
	resender Resender
	onError  ErrorHandler

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a stopped worker.
func NewWorker(d Deps) *Worker {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("attachment")
	return &Worker{Deps: d, wake: make(chan struct{}, 1)}
}

// SetResender sets who sends a message after its upload.
func (w *Worker) SetResender(r Resender) {
	w.mu.Lock()
	w.resender = r
	w.mu.Unlock()
}

// SetErrorHandler replaces the default handler, which only publishes an
// attachment.error event.
func (w *Worker) SetErrorHandler(h ErrorHandler) {
	w.mu.Lock()
	w.onError = h
	w.mu.Unlock()
}

// Start creates the attachment directories and begins consuming the queue.
func (w *Worker) Start(ctx context.Context) error {
	for _, dir := range []string{w.AttachmentDir, w.PreviewDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop cancels the running transfer and waits for the loop to exit.
// Queued tasks are kept.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}

// QueueUpload schedules the upload of an outgoing message's attachment.
func (w *Worker) QueueUpload(m *model.Message) {
	w.enqueue(task{kind: taskUpload, messageID: m.ID})
}

// QueueDownload schedules the download of an incoming message's attachment.
func (w *Worker) QueueDownload(m *model.Message) {
	w.enqueue(task{kind: taskDownload, messageID: m.ID})
}

// Pending returns the number of queued tasks not yet started.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) enqueue(t task) {
	w.mu.Lock()
	w.queue = append(w.queue, t)
	w.mu.Unlock()
	w.Logger.Debug("queued", zap.Stringer("task", t.kind), zap.Int64("message_id", t.messageID))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) next() (task, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return task{}, false
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	return t, true
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	for {
		if ctx.Err() != nil {
			return
		}
		t, ok := w.next()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		switch t.kind {
		case taskUpload:
			w.upload(ctx, t.messageID)
		case taskDownload:
			w.download(ctx, t.messageID)
		}
	}
}

func (w *Worker) upload(ctx context.Context, id int64) {
	log := w.Logger.With(zap.Int64("message_id", id))
	m, err := w.Store.Message(id)
	if err != nil {
		log.Warn("load message to upload", zap.Error(err))
		return
	}
	att := m.Content.Attachment
	if att == nil {
		log.Warn("no attachment in message to upload")
		return
	}
	if att.HasURL() {
		log.Info("attachment already uploaded", zap.String("url", att.URL))
		return
	}

	original := w.AbsolutePath(att)
	path, mimeType := original, att.MimeType
	var temps []string
	defer func() {
		for _, p := range temps {
			_ = os.Remove(p)
		}
	}()

	if isImage(mimeType) {
		if budget := w.maxImgSize(); budget > 0 {
			resized, err := resizeImage(path, budget, "")
			if err != nil {
				log.Warn("can't resize image", zap.Error(err))
				return
			}
			if resized != "" {
				temps = append(temps, resized)
				path, mimeType = resized, ResizedMime
			}
		}
	}

	encrypt := m.IsSendEncrypted()
	if encrypt {
		enc, err := w.Coder.EncryptFile(m, path, "")
		if err != nil {
			log.Warn("can't encrypt attachment", zap.Error(err))
			w.setError(m, err)
			w.Bus.Emit(bus.KindSecurityError, map[string]any{
				"message_id": m.ID,
				"chat_id":    m.ChatID,
				"error":      err.Error(),
			})
			return
		}
		temps = append(temps, enc)
		path = enc
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Warn("stat attachment", zap.Error(err))
		return
	}
	slot, err := w.Slots.UploadSlot(ctx, filepath.Base(original), info.Size(), mimeType)
	if err != nil || !slot.Valid() {
		log.Warn("no upload slot", zap.Error(err))
		return
	}

	if err := w.Transfer.Upload(ctx, slot.PutURL, slot.Headers, path, mimeType); err != nil {
		log.Warn("upload failed", zap.String("file", original), zap.Error(err))
		w.setError(m, err)
		w.reportError(m, err)
		return
	}

	att.URL = slot.GetURL
	att.MimeType = mimeType
	att.Length = info.Size()
	att.Coder = model.NewOutCoderStatus(encrypt)
	if err := w.Store.UpdateContent(m.ID, &m.Content); err != nil {
		log.Error("save uploaded attachment", zap.Error(err))
		return
	}
	log.Info("upload successful", zap.String("url", att.URL))

	w.mu.Lock()
	r := w.resender
	w.mu.Unlock()
	if r == nil {
		log.Warn("no resender, message stays pending")
		return
	}
	if att.HasURL() {
		if err := r.SendMessage(ctx, m); err != nil {
			log.Warn("send after upload", zap.Error(err))
		}
	}
}

func (w *Worker) download(ctx context.Context, id int64) {
	log := w.Logger.With(zap.Int64("message_id", id))
	m, err := w.Store.Message(id)
	if err != nil {
		log.Warn("load message to download", zap.Error(err))
		return
	}
	att := m.Content.Attachment
	if att == nil || !att.HasURL() {
		log.Warn("no attachment in message to download")
		return
	}

	path, mimeType, err := w.Transfer.Download(ctx, att.URL, w.AttachmentDir, func(p int) {
		att.Progress = p
		w.publishProgress(m, p)
	})
	if err != nil {
		log.Warn("download failed", zap.String("url", att.URL), zap.Error(err))
		att.Progress = model.ProgressFailed
		w.publishProgress(m, model.ProgressFailed)
		w.reportError(m, err)
		return
	}
	log.Info("download successful", zap.String("file", path))

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	att.File = path
	if att.MimeType == "" {
		att.MimeType = mimeType
	}
	if att.Coder.IsEncrypted() {
		st, err := w.Coder.DecryptFile(m, path)
		att.Coder = st
		if err != nil {
			log.Warn("can't decrypt attachment", zap.Error(err))
		}
	}
	att.Progress = model.ProgressDone

	if m.Content.Preview == nil {
		if _, err := w.CreateImagePreview(m); err != nil {
			log.Warn("create preview", zap.Error(err))
		}
	}
	if err := w.Store.UpdateContent(m.ID, &m.Content); err != nil {
		log.Error("save downloaded attachment", zap.Error(err))
		return
	}
	w.publishProgress(m, model.ProgressDone)
}

// AbsolutePath resolves an attachment file name against the attachment
// directory.
func (w *Worker) AbsolutePath(att *model.Attachment) string {
	if att.File == "" || filepath.IsAbs(att.File) {
		return att.File
	}
	return filepath.Join(w.AttachmentDir, att.File)
}

// PreviewPath returns the stored preview image of a message, if any.
func (w *Worker) PreviewPath(m *model.Message) (string, bool) {
	p := m.Content.Preview
	if p == nil || p.Filename == "" || !isImage(p.MimeType) {
		return "", false
	}
	return filepath.Join(w.PreviewDir, p.Filename), true
}

func previewName(id int64, mimeType string) string {
	return strconv.FormatInt(id, 10) + "_bob." + ExtensionForMIME(mimeType)
}

// SavePreview writes the preview received with a message to the preview
// directory and records its file name. The caller persists the message.
func (w *Worker) SavePreview(m *model.Message) error {
	p := m.Content.Preview
	if p == nil {
		w.Logger.Warn("no preview in message", zap.Int64("message_id", m.ID))
		return nil
	}
	name := previewName(m.ID, p.MimeType)
	if err := w.writePreview(name, p.Data); err != nil {
		return err
	}
	p.Filename = name
	w.Bus.Emit(bus.KindPreviewSaved, map[string]any{"message_id": m.ID, "file": name})
	return nil
}

// CreateImagePreview generates a thumbnail for an image attachment larger
// than the preview box. It reports whether a preview was set on m; the
// caller persists the message.
func (w *Worker) CreateImagePreview(m *model.Message) (bool, error) {
	att := m.Content.Attachment
	if att == nil || !isImage(att.MimeType) {
		return false, nil
	}
	data, err := thumbnail(w.AbsolutePath(att))
	if err != nil {
		return false, fmt.Errorf("thumbnail: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	name := previewName(m.ID, ThumbnailMime)
	if err := w.writePreview(name, data); err != nil {
		return false, err
	}
	m.Content.Preview = &model.Preview{Filename: name, MimeType: ThumbnailMime, Data: data}
	w.Logger.Info("preview created", zap.Int64("message_id", m.ID), zap.String("file", name))
	w.Bus.Emit(bus.KindPreviewSaved, map[string]any{"message_id": m.ID, "file": name})
	return true, nil
}

func (w *Worker) writePreview(name string, data []byte) error {
	if err := os.MkdirAll(w.PreviewDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.PreviewDir, name), data, 0600)
}

func (w *Worker) maxImgSize() int {
	if w.Settings == nil {
		return 0
	}
	return w.Settings.Get().Net.MaxImgSize
}

func (w *Worker) setError(m *model.Message, err error) {
	if _, serr := w.Store.SetMessageStatus(m.ID, model.StatusError, err.Error()); serr != nil {
		w.Logger.Error("mark message failed", zap.Int64("message_id", m.ID), zap.Error(serr))
	}
	m.Status = model.StatusError
	w.Bus.Emit(bus.KindMessageFailed, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"error":      err.Error(),
	})
}

func (w *Worker) publishProgress(m *model.Message, p int) {
	w.Bus.Emit(bus.KindAttachmentProgress, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"progress":   p,
	})
}

func (w *Worker) reportError(m *model.Message, err error) {
	w.mu.Lock()
	h := w.onError
	w.mu.Unlock()
	if h != nil {
		h(m, err)
		return
	}
	w.Bus.Emit(bus.KindAttachmentError, map[string]any{
		"message_id": m.ID,
		"chat_id":    m.ChatID,
		"error":      err.Error(),
	})
}
