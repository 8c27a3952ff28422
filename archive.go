package activitysync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// s3Putter is the slice of the S3 API the archiver needs.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver exports synced records to an S3-compatible bucket before the
// retention sweep purges them, as snappy-compressed JSON objects. Cold
// archive only; the engine never reads archives back.
type S3Archiver struct {
	client  s3Putter
	config  ArchiveConfig
	nodeID  string
	retryer *Retryer
}

// NewS3Archiver creates an archiver for the configured bucket.
func NewS3Archiver(ctx context.Context, nodeID string, config ArchiveConfig) (*S3Archiver, error) {
	if config.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &S3Archiver{
		client: client,
		config: config,
		nodeID: nodeID,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    maxRetries,
			InitialBackoff: time.Second,
		}),
	}, nil
}

// archiveObject is the stored object layout.
type archiveObject struct {
	NodeID     string    `json:"node_id"`
	ArchivedAt time.Time `json:"archived_at"`
	Records    []*Record `json:"records"`
}

// Archive writes one object containing the given records. A no-op for an
// empty slice.
func (a *S3Archiver) Archive(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	data, err := json.Marshal(archiveObject{
		NodeID:     a.nodeID,
		ArchivedAt: now,
		Records:    recs,
	})
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	body := snappy.Encode(nil, data)

	key := fmt.Sprintf("%s%s/%s.json.sz", a.config.Prefix, a.nodeID, now.Format("2006/01/02/150405.000000000"))

	return a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/x-snappy"),
		})
		return err
	})
}
