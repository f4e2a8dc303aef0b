package objectstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// API mirrors the subset of *s3.Client required by S3Store. Callers can pass
// either the real client or a mock in tests.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store is the production Store backend, per spec §4.4.
type S3Store struct {
	api    API
	bucket string
}

// NewS3Store constructs an S3Store over an existing bucket. api is typically
// *s3.Client built from aws-sdk-go-v2/config.LoadDefaultConfig.
func NewS3Store(api API, bucket string) *S3Store {
	return &S3Store{api: api, bucket: bucket}
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) PutJSON(ctx context.Context, key string, v any) error {
	payload, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.PutBytes(ctx, key, "application/json", payload)
}

func (s *S3Store) GetJSON(ctx context.Context, key string, v any) error {
	payload, err := s.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	return unmarshalJSON(payload, v)
}

func (s *S3Store) PutBytes(ctx context.Context, key string, contentType string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        newReadSeeker(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetBytes(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return readAllAndClose(out.Body)
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// S3 has no dedicated "not found" sentinel error accessible without
		// the smithy error-code machinery; any HeadObject error is treated as
		// absence, which is the conservative choice for the sweeper's use
		// (spec §4.11: absence of output.json means "not yet completed").
		return false, nil
	}
	return true, nil
}
