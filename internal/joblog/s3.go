package joblog

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads finished task logs to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, taskID string, content []byte) error
}

// s3PutAPI is the slice of the S3 client the archiver uses.
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes task logs to object storage under paths like
// <prefix>/tasklogs/YYYY/MM/DD/<taskID>.log. Credentials and region
// come from the ambient AWS environment.
type S3Archiver struct {
	bucket string
	prefix string
	client s3PutAPI
}

// NewS3Archiver creates an archiver for the given bucket and key prefix.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Archiver{
		bucket: bucket,
		prefix: prefix,
		client: s3.NewFromConfig(cfg),
	}, nil
}

// Archive uploads the log content for one task.
func (a *S3Archiver) Archive(ctx context.Context, taskID string, content []byte) error {
	now := time.Now().UTC()
	key := path.Join(a.prefix, "tasklogs", now.Format("2006/01/02"), taskID+".log")

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive task log %s: %w", taskID, err)
	}
	return nil
}
