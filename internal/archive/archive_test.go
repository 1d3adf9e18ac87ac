package archive

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket, f.key, f.contentType = *in.Bucket, *in.Key, *in.ContentType
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("X", -5*3600))
	if got := ObjectKey("evt_1", at); got != "webhooks/2024/03/10/evt_1.json" {
		t.Fatalf("ObjectKey = %q", got)
	}
}

func TestS3ArchiverPutsPayload(t *testing.T) {
	fp := &fakePutter{}
	a := &S3Archiver{client: fp, bucket: "raw-events"}

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := a.Archive(context.Background(), "evt_9", at, []byte(`{"id":"evt_9"}`)); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if fp.bucket != "raw-events" || fp.key != "webhooks/2024/01/02/evt_9.json" || fp.contentType != "application/json" {
		t.Fatalf("unexpected put: %+v", fp)
	}
	if string(fp.body) != `{"id":"evt_9"}` {
		t.Fatalf("body = %s", fp.body)
	}
}

func TestNewWithoutBucketIsNop(t *testing.T) {
	a, err := New(context.Background(), S3Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := a.(Nop); !ok {
		t.Fatalf("got %T, want Nop", a)
	}
}
