package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
)

const (
	defaultSignedURLExpiry     = 15 * time.Minute
	maxDownloadSignedURLExpiry = 15 * time.Minute
)

var (
	// ErrNoSigner is returned by DownloadURL when the store was built without a signing key.
	ErrNoSigner = errors.New("storage: signing key is required")

	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errNoClient      = errors.New("storage: client is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// objectWriter persists object bytes. The Cloud Storage implementation streams through an object writer.
type objectWriter interface {
	write(ctx context.Context, bucket, object, contentType string, data []byte) error
}

type gcsWriter struct {
	client *gcs.Client
}

func (w gcsWriter) write(ctx context.Context, bucket, object, contentType string, data []byte) error {
	writer := w.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	writer.ContentDisposition = fmt.Sprintf("attachment; filename=%q", path.Base(object))
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReportStore uploads generated reports to one bucket and issues signed GET URLs for them.
type ReportStore struct {
	bucket     string
	writer     objectWriter
	accessID   string
	privateKey []byte
	scheme     gcs.SigningScheme
	now        func() time.Time
}

// ReportStoreOption customises store behaviour.
type ReportStoreOption func(*ReportStore)

// WithServiceAccountKey enables signed download URLs using a service account's PEM private key.
func WithServiceAccountKey(email string, privateKey []byte) ReportStoreOption {
	return func(s *ReportStore) {
		email = strings.TrimSpace(email)
		if email != "" && len(privateKey) > 0 {
			s.accessID = email
			s.privateKey = privateKey
		}
	}
}

// ServiceAccountKeyFromFile reads a service account JSON key and returns the matching signing option.
func ServiceAccountKeyFromFile(path string) (ReportStoreOption, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account file: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("storage: decode service account json: %w", err)
	}
	if strings.TrimSpace(cfg.Email) == "" || len(cfg.PrivateKey) == 0 {
		return nil, errors.New("storage: service account key needs client_email and private_key")
	}
	return WithServiceAccountKey(cfg.Email, cfg.PrivateKey), nil
}

// WithSigningScheme overrides the signing scheme (defaults to V4).
func WithSigningScheme(scheme gcs.SigningScheme) ReportStoreOption {
	return func(s *ReportStore) {
		if scheme != 0 {
			s.scheme = scheme
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ReportStoreOption {
	return func(s *ReportStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewReportStore constructs a report store over the Cloud Storage client.
func NewReportStore(client *gcs.Client, bucket string, opts ...ReportStoreOption) (*ReportStore, error) {
	if client == nil {
		return nil, errNoClient
	}
	return newReportStore(gcsWriter{client: client}, bucket, opts...)
}

func newReportStore(writer objectWriter, bucket string, opts ...ReportStoreOption) (*ReportStore, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	store := &ReportStore{
		bucket: bucket,
		writer: writer,
		scheme: gcs.SigningSchemeV4,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// Bucket returns the destination bucket name.
func (s *ReportStore) Bucket() string {
	return s.bucket
}

// Upload writes the report bytes to objectPath.
func (s *ReportStore) Upload(ctx context.Context, objectPath, contentType string, data []byte) error {
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return errInvalidObject
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	if err := s.writer.write(ctx, s.bucket, objectPath, contentType, data); err != nil {
		return fmt.Errorf("storage: upload %s: %w", objectPath, err)
	}
	return nil
}

// DownloadURL signs a GET URL for objectPath valid for ttl, capped at fifteen minutes.
func (s *ReportStore) DownloadURL(ctx context.Context, objectPath string, ttl time.Duration) (string, time.Time, error) {
	if s.accessID == "" {
		return "", time.Time{}, ErrNoSigner
	}
	if err := ctx.Err(); err != nil {
		return "", time.Time{}, err
	}
	objectPath = strings.TrimSpace(objectPath)
	if objectPath == "" {
		return "", time.Time{}, errInvalidObject
	}
	if ttl <= 0 {
		ttl = defaultSignedURLExpiry
	}
	if ttl > maxDownloadSignedURLExpiry {
		return "", time.Time{}, errExpiryTooLong
	}

	expiresAt := s.now().Add(ttl)
	query := url.Values{}
	query.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectPath)))
	signed, err := gcs.SignedURL(s.bucket, objectPath, &gcs.SignedURLOptions{
		GoogleAccessID:  s.accessID,
		PrivateKey:      s.privateKey,
		Scheme:          s.scheme,
		Method:          "GET",
		Expires:         expiresAt,
		QueryParameters: query,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return signed, expiresAt, nil
}
