package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader writes an archive bundle to durable storage.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// MinioUploader stores bundles in an S3-compatible bucket.
type MinioUploader struct {
	client *minio.Client
	bucket string
}

// NewMinioUploader connects to an S3-compatible endpoint.
func NewMinioUploader(endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioUploader, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("audit.NewMinioUploader: %w", err)
	}
	return &MinioUploader{client: client, bucket: bucket}, nil
}

func (m *MinioUploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Bundle is one archived segment of the trail.
type Bundle struct {
	ToolID      string    `json:"tool_id"`
	CreatedAt   time.Time `json:"created_at"`
	RecordCount int       `json:"record_count"`
	Checkpoint  string    `json:"checkpoint_hash"`
	SinceSeq    int64     `json:"since_seq"`
	UntilSeq    int64     `json:"until_seq"`
	Records     []Record  `json:"records"`
}

// Archiver ships unarchived trail segments to an Uploader, verifying the
// chain before every upload so a corrupted trail never reaches storage.
type Archiver struct {
	trail    *Trail
	uploader Uploader
	toolID   string

	mu       sync.Mutex
	lastSeq  int64
	lastHash string
}

// NewArchiver creates an archiver over trail.
func NewArchiver(trail *Trail, uploader Uploader, toolID string) *Archiver {
	return &Archiver{trail: trail, uploader: uploader, toolID: toolID}
}

// Archive bundles everything recorded since the last checkpoint. It returns
// the storage key, or "" when there was nothing new.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := a.trail.Since(a.lastSeq)
	if len(records) == 0 {
		return "", nil
	}
	if err := VerifyFrom(a.lastHash, records); err != nil {
		return "", fmt.Errorf("audit.Archive: %w", err)
	}

	last := records[len(records)-1]
	now := time.Now().UTC()
	bundle := Bundle{
		ToolID:      a.toolID,
		CreatedAt:   now,
		RecordCount: len(records),
		Checkpoint:  last.Hash,
		SinceSeq:    a.lastSeq,
		UntilSeq:    last.Seq,
		Records:     records,
	}
	body, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("audit.Archive: marshal bundle: %w", err)
	}

	key := fmt.Sprintf("audit/%s/%04d/%02d/%02d/%s.json", a.toolID, now.Year(), now.Month(), now.Day(), last.Hash)
	if err := a.uploader.Upload(ctx, key, body); err != nil {
		return "", fmt.Errorf("audit.Archive: %w", err)
	}

	a.lastSeq = last.Seq
	a.lastHash = last.Hash
	return key, nil
}

// Run archives on a fixed interval until ctx is cancelled. A failed cycle is
// logged by the caller's trail logger and retried next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				a.trail.log.Error("audit archive cycle failed", "error", err)
			}
		}
	}
}
