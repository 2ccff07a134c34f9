package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/yairfalse/autotag/pkg/resource"
)

// S3API is the subset of the S3 client the mapping store uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store keeps the mapping as a JSON document in a bucket.
type S3Store struct {
	client S3API
	bucket string
	key    string
}

// NewS3Store creates a store over s3://bucket/key.
func NewS3Store(client S3API, bucket, key string) *S3Store {
	return &S3Store{client: client, bucket: bucket, key: key}
}

// Name returns the backend identifier.
func (s *S3Store) Name() string {
	return "s3"
}

// Load fetches and decodes the document.
func (s *S3Store) Load(ctx context.Context) ([]resource.Mapping, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("get mapping s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("read mapping s3://%s/%s: %w", s.bucket, s.key, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return loaded(s.Name(), doc.Mapping)
}

// Save uploads entries as the JSON document.
func (s *S3Store) Save(ctx context.Context, entries []resource.Mapping) error {
	data, err := encodeJSON(Document{Mapping: entries})
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put mapping s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

func encodeJSON(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
