package activitysync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

type fakePutter struct {
	inputs   []*s3.PutObjectInput
	failures int
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("slow down")
	}
	f.inputs = append(f.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func newTestArchiver(putter s3Putter) *S3Archiver {
	return &S3Archiver{
		client: putter,
		config: ArchiveConfig{Bucket: "cold-archive", Prefix: "activity/"},
		nodeID: "node-1",
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Jitter:         0,
		}),
	}
}

func TestArchiveWritesObject(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(putter)

	recs := []*Record{
		NewRecord(KindCall, []byte("a"), 0.1),
		NewRecord(KindMessage, []byte("b"), 0.9),
	}
	if err := a.Archive(context.Background(), recs); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Fatalf("put calls = %d, want 1", len(putter.inputs))
	}

	input := putter.inputs[0]
	if *input.Bucket != "cold-archive" {
		t.Errorf("bucket = %s", *input.Bucket)
	}
	if !strings.HasPrefix(*input.Key, "activity/node-1/") || !strings.HasSuffix(*input.Key, ".json.sz") {
		t.Errorf("key = %s", *input.Key)
	}

	compressed, err := io.ReadAll(input.Body)
	if err != nil {
		t.Fatal(err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		t.Fatalf("snappy decode: %v", err)
	}
	var obj archiveObject
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal archive: %v", err)
	}
	if obj.NodeID != "node-1" || len(obj.Records) != 2 {
		t.Errorf("archive object = %+v", obj)
	}
}

func TestArchiveEmptySliceIsNoop(t *testing.T) {
	putter := &fakePutter{}
	a := newTestArchiver(putter)
	if err := a.Archive(context.Background(), nil); err != nil {
		t.Fatalf("Archive(nil) error: %v", err)
	}
	if len(putter.inputs) != 0 {
		t.Error("put called for an empty archive")
	}
}

func TestArchiveRetriesTransientFailures(t *testing.T) {
	putter := &fakePutter{failures: 2}
	a := newTestArchiver(putter)

	if err := a.Archive(context.Background(), []*Record{NewRecord(KindCall, []byte("a"), 0.1)}); err != nil {
		t.Fatalf("Archive() error after retries: %v", err)
	}
	if len(putter.inputs) != 1 {
		t.Errorf("put calls = %d, want 1 success", len(putter.inputs))
	}
}

func TestNewS3ArchiverRequiresBucket(t *testing.T) {
	if _, err := NewS3Archiver(context.Background(), "node-1", ArchiveConfig{}); err == nil {
		t.Error("expected an error without a bucket")
	}
}
