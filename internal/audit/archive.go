package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ignite/phi-mailer/internal/domain"
)

// Archiver exports audit entries before they are purged.
type Archiver interface {
	Archive(ctx context.Context, cutoff time.Time, entries []domain.AuditEntry) (string, error)
}

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes gzipped JSON lines to a bucket, server-side encrypted.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver creates an archiver for bucket. Keys are placed under prefix.
func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Archive uploads entries and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, cutoff time.Time, entries []domain.AuditEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return "", fmt.Errorf("encode audit entry: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress audit archive: %w", err)
	}

	key := fmt.Sprintf("%saudit-logs/%s/before-%s-%d.jsonl.gz",
		a.prefix, a.now().UTC().Format("2006/01/02"), cutoff.UTC().Format("20060102"), a.now().UnixNano())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(buf.Bytes()),
		ContentType:          aws.String("application/x-ndjson"),
		ContentEncoding:      aws.String("gzip"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("put audit archive s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
