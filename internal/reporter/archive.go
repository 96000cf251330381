package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ChuLiYu/probe-swarm/pkg/types"
)

// ArchiveConfig configures the object-store archive sink.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultArchiveBucket is used when ArchiveConfig.Bucket is empty.
const DefaultArchiveBucket = "probe-swarm-results"

// objectStore is the subset of *minio.Client used by Archive.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive keeps the findings of each job and uploads them, with the final
// report, as one object per job when the job finishes.
type Archive struct {
	client objectStore
	bucket string

	mu       sync.Mutex
	findings map[types.JobID][]types.Result
	ready    bool
}

// NewArchive connects to an S3-compatible endpoint.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}
	return newArchive(client, cfg.Bucket), nil
}

func newArchive(client objectStore, bucket string) *Archive {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		bucket = DefaultArchiveBucket
	}
	return &Archive{
		client:   client,
		bucket:   bucket,
		findings: make(map[types.JobID][]types.Result),
	}
}

// ArchivedJob is the object body written per job.
type ArchivedJob struct {
	Report   types.JobReport `json:"report"`
	Findings []types.Result  `json:"findings"`
}

// ObjectName returns the object key of a job.
func ObjectName(jobID types.JobID) string {
	return fmt.Sprintf("%s/report.json", jobID)
}

// Record implements Reporter. Only findings are kept.
func (a *Archive) Record(_ context.Context, r types.Result) error {
	if r.Outcome != types.OutcomeSuccess {
		return nil
	}
	a.mu.Lock()
	a.findings[r.JobID] = append(a.findings[r.JobID], r)
	a.mu.Unlock()
	return nil
}

// Finish implements Finisher.
func (a *Archive) Finish(ctx context.Context, report types.JobReport) error {
	a.mu.Lock()
	findings := a.findings[report.ID]
	delete(a.findings, report.ID)
	a.mu.Unlock()

	if err := a.ensureBucket(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(ArchivedJob{Report: report, Findings: findings})
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	_, err = a.client.PutObject(ctx, a.bucket, ObjectName(report.ID), bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put archive %s: %w", report.ID, err)
	}
	return nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if ready {
		return nil
	}
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
	}
	a.mu.Lock()
	a.ready = true
	a.mu.Unlock()
	return nil
}
