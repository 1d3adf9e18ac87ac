// Package archive stores raw processor payloads for audit and replay.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Archiver interface {
	Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error
}

// Nop is used when no bucket is configured.
type Nop struct{}

func (Nop) Archive(context.Context, string, time.Time, []byte) error { return nil }

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// putter is the one S3 call we need; *s3.Client satisfies it.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client putter
	bucket string
}

// New returns Nop when cfg.Bucket is empty.
func New(ctx context.Context, cfg S3Config) (Archiver, error) {
	if cfg.Bucket == "" {
		return Nop{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Archiver{client: client, bucket: cfg.Bucket}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, eventID string, receivedAt time.Time, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ObjectKey(eventID, receivedAt)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", eventID, err)
	}
	return nil
}

// ObjectKey partitions payloads by UTC day.
func ObjectKey(eventID string, receivedAt time.Time) string {
	return fmt.Sprintf("webhooks/%s/%s.json", receivedAt.UTC().Format("2006/01/02"), eventID)
}
