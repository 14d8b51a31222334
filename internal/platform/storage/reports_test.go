package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testAccessID = "reports@example.iam.gserviceaccount.com"

func testPrivateKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

type captureWriter struct {
	bucket, object, contentType string
	data                        []byte
	err                         error
}

func (c *captureWriter) write(_ context.Context, bucket, object, contentType string, data []byte) error {
	c.bucket, c.object, c.contentType = bucket, object, contentType
	c.data = append([]byte(nil), data...)
	return c.err
}

func TestReportStoreUploadWritesToBucket(t *testing.T) {
	writer := &captureWriter{}
	store, err := newReportStore(writer, " reports-bucket ")
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}

	if err := store.Upload(context.Background(), "reports/settlements/2025/01/r1.xlsx", "", []byte("xlsx")); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if writer.bucket != "reports-bucket" || writer.object != "reports/settlements/2025/01/r1.xlsx" {
		t.Fatalf("unexpected destination %s/%s", writer.bucket, writer.object)
	}
	if writer.contentType != "application/octet-stream" {
		t.Fatalf("expected default content type, got %s", writer.contentType)
	}
	if string(writer.data) != "xlsx" {
		t.Fatalf("unexpected data %q", writer.data)
	}
}

func TestReportStoreUploadWrapsWriterError(t *testing.T) {
	boom := errors.New("boom")
	store, err := newReportStore(&captureWriter{err: boom}, "bucket")
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}
	if err := store.Upload(context.Background(), "a.xlsx", "application/x", nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
}

func TestReportStoreRequiresBucket(t *testing.T) {
	if _, err := newReportStore(&captureWriter{}, " "); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected bucket error, got %v", err)
	}
	if _, err := NewReportStore(nil, "bucket"); !errors.Is(err, errNoClient) {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestReportStoreDownloadURLWithoutSigner(t *testing.T) {
	store, err := newReportStore(&captureWriter{}, "bucket")
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}
	if _, _, err := store.DownloadURL(context.Background(), "a.xlsx", time.Minute); !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestReportStoreDownloadURLSigned(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	store, err := newReportStore(&captureWriter{}, "bucket",
		WithServiceAccountKey(testAccessID, testPrivateKey(t)),
		WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}

	signed, expiresAt, err := store.DownloadURL(context.Background(), "reports/settlements/2025/01/r1.xlsx", 0)
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !expiresAt.Equal(now.Add(defaultSignedURLExpiry)) {
		t.Fatalf("expected expiry %s, got %s", now.Add(defaultSignedURLExpiry), expiresAt)
	}

	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "reports/settlements/2025/01/r1.xlsx") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	if got := query.Get("response-content-disposition"); !strings.Contains(got, "r1.xlsx") {
		t.Fatalf("expected disposition with file name, got %q", got)
	}
	if !strings.HasPrefix(query.Get("X-Goog-Credential"), testAccessID+"/") {
		t.Fatalf("unexpected credential %q", query.Get("X-Goog-Credential"))
	}
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected a signature in %s", signed)
	}
}

func TestReportStoreDownloadURLExpiryTooLong(t *testing.T) {
	store, err := newReportStore(&captureWriter{}, "bucket", WithServiceAccountKey(testAccessID, testPrivateKey(t)))
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}
	if _, _, err := store.DownloadURL(context.Background(), "a.xlsx", time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestServiceAccountKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	payload, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": testAccessID,
		"private_key":  string(testPrivateKey(t)),
	})
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	keyFile := filepath.Join(dir, "sa.json")
	if err := os.WriteFile(keyFile, payload, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	opt, err := ServiceAccountKeyFromFile(keyFile)
	if err != nil {
		t.Fatalf("ServiceAccountKeyFromFile: %v", err)
	}
	store, err := newReportStore(&captureWriter{}, "bucket", opt)
	if err != nil {
		t.Fatalf("newReportStore: %v", err)
	}
	if _, _, err := store.DownloadURL(context.Background(), "a.xlsx", time.Minute); err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}

	incomplete := filepath.Join(dir, "incomplete.json")
	if err := os.WriteFile(incomplete, []byte(`{"type":"service_account","client_email":"a@b"}`), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := ServiceAccountKeyFromFile(incomplete); err == nil {
		t.Fatalf("expected error for missing private key")
	}
	if _, err := ServiceAccountKeyFromFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
