package diagnostics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Sink uploads one JSON object per snapshot, promoted from the cloud
// backup provider's client construction pattern and pointed at a
// diagnostics payload instead of a backup archive.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds an S3Sink for bucket in region, with keys placed under
// the optional prefix.
func NewS3Sink(ctx context.Context, bucket, region, prefix string) (*S3Sink, error) {
	if bucket == "" || region == "" {
		return nil, fmt.Errorf("diagnostics: s3 bucket and region are required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("diagnostics: load aws config: %w", err)
	}

	return &S3Sink{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

func (s *S3Sink) Write(ctx context.Context, snap DiagnosticSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("diagnostics: marshal snapshot: %w", err)
	}

	key := objectKey(s.prefix, snap.Timestamp)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("diagnostics: put object %s: %w", key, err)
	}
	return nil
}
