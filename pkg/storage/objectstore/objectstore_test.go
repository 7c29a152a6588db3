package objectstore

import (
	"context"
	"testing"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
)

func TestNewRejectsEmptyBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Bucket: ""})
	if !apperr.Is(err, apperr.KindInvalid) {
		t.Fatalf("expected KindInvalid, got %v", err)
	}
}

func TestNewAcceptsBucketAndEndpoint(t *testing.T) {
	b, err := New(context.Background(), Config{
		Bucket:   "merkle-snapshots",
		Region:   "us-east-1",
		Endpoint: "http://localhost:9000",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.bucket != "merkle-snapshots" {
		t.Fatalf("expected bucket to be recorded, got %q", b.bucket)
	}
}

func TestNewAcceptsStaticCredentials(t *testing.T) {
	b, err := New(context.Background(), Config{
		Bucket:    "merkle-snapshots",
		Region:    "us-east-1",
		Endpoint:  "http://localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.bucket != "merkle-snapshots" {
		t.Fatalf("expected bucket to be recorded, got %q", b.bucket)
	}
}
