// Package storage archives expired knowledge entries to S3-compatible
// object storage before the sweeper removes them.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dakb-ai/dakb/internal/domain"
)

// S3ClientConfig holds configuration for S3Client
type S3ClientConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UsePathStyle    bool
}

// S3Client writes entry archives to S3-compatible storage (MinIO, RustFS)
type S3Client struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

// NewS3Client creates a new S3Client with the given configuration
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	// Custom resolver for S3-compatible endpoints
	customResolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			if cfg.Endpoint != "" {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithEndpointResolverWithOptions(customResolver),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for S3-compatible services
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Client{
		client: client,
		bucket: cfg.Bucket,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// archivedEntry is the JSON shape written to the archive bucket. The
// embedding is omitted: it is derivable and only inflates the object.
type archivedEntry struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Content     string             `json:"content"`
	ContentType domain.ContentType `json:"content_type"`
	Category    domain.Category    `json:"category"`
	Tags        []string           `json:"tags,omitempty"`
	AccessScope domain.AccessScope `json:"access_scope"`
	AllowAgents []string           `json:"allow_agents,omitempty"`
	OwnerID     string             `json:"owner_id"`
	Votes       domain.VoteTally   `json:"votes"`
	Confidence  float64            `json:"confidence"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Version     int64              `json:"version"`
	ArchivedAt  time.Time          `json:"archived_at"`
}

// ArchiveEntry writes the entry as a JSON object keyed by expiry date and
// id, so archives are browsable by when they aged out
func (c *S3Client) ArchiveEntry(ctx context.Context, e *domain.Entry) error {
	archivedAt := c.now()
	body, err := json.Marshal(archivedEntry{
		ID:          e.ID,
		Title:       e.Title,
		Content:     e.Content,
		ContentType: e.ContentType,
		Category:    e.Category,
		Tags:        e.Tags,
		AccessScope: e.AccessScope,
		AllowAgents: e.AllowAgents,
		OwnerID:     e.OwnerID,
		Votes:       e.Votes,
		Confidence:  e.Confidence,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		ExpiresAt:   e.ExpiresAt,
		Version:     e.Version,
		ArchivedAt:  archivedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", e.ID, err)
	}

	key := ArchiveKey(e.ID, archivedAt)
	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive entry %s: %w", e.ID, err)
	}
	return nil
}

// ArchiveKey returns the object key an entry is archived under
func ArchiveKey(entryID string, archivedAt time.Time) string {
	return fmt.Sprintf("expired/%s/%s.json", archivedAt.Format("2006-01-02"), entryID)
}

// EnsureBucket creates the archive bucket if it doesn't exist
func (c *S3Client) EnsureBucket(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err == nil {
		return nil
	}

	_, err = c.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}
