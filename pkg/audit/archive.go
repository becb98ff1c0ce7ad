package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/platinummonkey/gatekeeper/pkg/audit")

// ObjectPutter is the subset of the S3 client used by the archiver
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Purger is implemented by stores that can drop archived records
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveConfig configures the S3 archiver
type ArchiveConfig struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UsePathStyle   bool
	PurgeAfterCopy bool
}

// S3Archiver copies windows of the audit trail to object storage as NDJSON
type S3Archiver struct {
	store  Store
	client ObjectPutter
	cfg    ArchiveConfig
}

// NewS3Client builds an S3 client from the archive configuration
func NewS3Client(ctx context.Context, cfg ArchiveConfig) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// static credentials for MinIO or explicit keys
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewS3Archiver creates an archiver reading from store and writing through client
func NewS3Archiver(store Store, client ObjectPutter, cfg ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	return &S3Archiver{store: store, client: client, cfg: cfg}, nil
}

// ObjectKey returns the key used for the window [from, to)
func (a *S3Archiver) ObjectKey(from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	name := fmt.Sprintf("%s-%s.ndjson", from.Format("20060102T150405Z"), to.Format("20060102T150405Z"))
	return path.Join(a.cfg.Prefix, from.Format("2006"), from.Format("01"), from.Format("02"), name)
}

// Archive uploads every record in [from, to) and returns the number archived.
// Empty windows upload nothing. With PurgeAfterCopy the window is removed from
// the store once the upload succeeded.
func (a *S3Archiver) Archive(ctx context.Context, from, to time.Time) (int, error) {
	key := a.ObjectKey(from, to)
	ctx, span := tracer.Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.cfg.Bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	records, err := a.store.Search(ctx, Filter{StartTime: &from, EndTime: &to})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return 0, fmt.Errorf("failed to read audit window: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	if err := exportNDJSON(&buf, records); err != nil {
		return 0, err
	}
	data := buf.Bytes()
	hash := sha256.Sum256(data)
	span.SetAttributes(attribute.Int("audit.records", len(records)), attribute.Int("content.size", len(data)))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
			"record-count":    fmt.Sprintf("%d", len(records)),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		return 0, fmt.Errorf("failed to upload audit archive: %w", err)
	}

	if a.cfg.PurgeAfterCopy {
		if p, ok := a.store.(Purger); ok {
			if _, err := p.Purge(ctx, to); err != nil {
				return len(records), fmt.Errorf("archived but failed to purge: %w", err)
			}
		}
	}

	span.SetStatus(codes.Ok, "archived")
	return len(records), nil
}
