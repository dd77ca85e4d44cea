package webhook

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Archiver stores raw webhook payloads.
type Archiver interface {
	Archive(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte, receivedAt time.Time) error
}

// S3API is the subset of the S3 client the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each payload to
// <prefix>/<tenant>/<provider>/YYYY/MM/DD/<unix-nanos>-<uuid>.json.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (a *S3Archiver) key(tenant domain.TenantID, pt domain.ProviderType, at time.Time) string {
	at = at.UTC()
	k := fmt.Sprintf("%s/%s/%s/%d-%s.json", tenant, pt, at.Format("2006/01/02"), at.UnixNano(), uuid.New().String())
	if a.prefix != "" {
		k = a.prefix + "/" + k
	}
	return k
}

func (a *S3Archiver) Archive(ctx context.Context, tenant domain.TenantID, pt domain.ProviderType, payload []byte, receivedAt time.Time) error {
	key := a.key(tenant, pt, receivedAt)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"tenant":      string(tenant),
			"provider":    string(pt),
			"received_at": receivedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("archive webhook to s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
