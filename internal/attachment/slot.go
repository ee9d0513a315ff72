package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/kontalk/konk/internal/config"
)

// Slot is where an attachment is PUT and where peers GET it from.
type Slot struct {
	PutURL  string            `json:"put"`
	GetURL  string            `json:"get"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s Slot) Valid() bool { return s.PutURL != "" && s.GetURL != "" }

// SlotProvider requests upload slots.
type SlotProvider interface {
	UploadSlot(ctx context.Context, name string, size int64, mimeType string) (Slot, error)
}

// HTTPSlotProvider asks an upload service for a slot with a GET request
// carrying the file name, size and content type.
type HTTPSlotProvider struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPSlotProvider(client *resty.Client, baseURL string) *HTTPSlotProvider {
	if client == nil {
		client = resty.New().SetTimeout(30 * time.Second)
	}
	return &HTTPSlotProvider{client: client, baseURL: baseURL}
}

func (p *HTTPSlotProvider) UploadSlot(ctx context.Context, name string, size int64, mimeType string) (Slot, error) {
	if p.baseURL == "" {
		return Slot{}, errors.New("no upload service configured")
	}
	var slot Slot
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"filename":     name,
			"size":         strconv.FormatInt(size, 10),
			"content-type": mimeType,
		}).
		SetResult(&slot).
		Get(p.baseURL)
	if err != nil {
		return Slot{}, fmt.Errorf("request slot: %w", err)
	}
	if resp.IsError() {
		return Slot{}, fmt.Errorf("request slot: unexpected status %s", resp.Status())
	}
	return slot, nil
}

// S3SlotProvider hands out presigned PUT and GET URLs of an S3 bucket.
type S3SlotProvider struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3SlotProvider builds a presign client from the attachment settings.
// Static credentials are used when an access key is configured, the
// default AWS chain otherwise.
func NewS3SlotProvider(ctx context.Context, cfg config.Attachments) (*S3SlotProvider, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("s3 bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	ttl := cfg.PresignTTL.Duration
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &S3SlotProvider{presign: s3.NewPresignClient(client), bucket: cfg.S3Bucket, ttl: ttl}, nil
}

func (p *S3SlotProvider) UploadSlot(ctx context.Context, name string, size int64, mimeType string) (Slot, error) {
	key := uuid.NewString() + "/" + url.PathEscape(filepath.Base(name))

	put, err := p.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(mimeType),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return Slot{}, fmt.Errorf("presign put: %w", err)
	}
	get, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return Slot{}, fmt.Errorf("presign get: %w", err)
	}

	headers := make(map[string]string)
	for k, v := range put.SignedHeader {
		if k == "Host" || k == "Content-Length" || len(v) == 0 {
			continue
		}
		headers[k] = v[0]
	}
	return Slot{PutURL: put.URL, GetURL: get.URL, Headers: headers}, nil
}

// NewSlotProvider picks the provider named by the settings.
func NewSlotProvider(ctx context.Context, cfg config.Attachments, client *resty.Client) (SlotProvider, error) {
	switch cfg.SlotProvider {
	case "s3":
		p, err := NewS3SlotProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "", "http":
		return NewHTTPSlotProvider(client, cfg.SlotURL), nil
	default:
		return nil, fmt.Errorf("unknown slot provider %q", cfg.SlotProvider)
	}
}
