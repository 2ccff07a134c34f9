package mapping

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	GetObjectFunc func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObjectFunc func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return m.GetObjectFunc(ctx, params, optFns...)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectFunc(ctx, params, optFns...)
}

// legacyLoaderDocument is the document written by the legacy S3 loader.
const legacyLoaderDocument = `{
    "Mapping": [
        {
            "CTEventName" : "RunInstances",
            "CTEventSource": "ec2.amazonaws.com",
            "REResourceType": "ec2:instance",
            "Global": false
        },
        {
            "CTEventName" : "CreateBucket",
            "CTEventSource": "s3.amazonaws.com",
            "REResourceType": "s3:bucket",
            "Global": true
        }
    ]
}`

func TestS3Store_Load(t *testing.T) {
	client := &mockS3Client{
		GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			assert.Equal(t, "autotag-config", aws.ToString(params.Bucket))
			assert.Equal(t, "mapping.json", aws.ToString(params.Key))
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(legacyLoaderDocument))}, nil
		},
	}

	entries, err := NewS3Store(client, "autotag-config", "mapping.json").Load(context.Background())
	require.NoError(t, err)

	require.Len(t, entries, 2)
	assert.Equal(t, "RunInstances", entries[0].EventName)
	assert.Equal(t, "s3:bucket", entries[1].ResourceType)
	assert.True(t, entries[1].Global)
}

func TestS3Store_LoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		wantErr error
	}{
		{name: "get fails", err: errors.New("NoSuchKey")},
		{name: "not json", body: "<html>"},
		{name: "no entries", body: `{"Mapping": []}`, wantErr: ErrEmpty},
		{name: "missing key", body: `{}`, wantErr: ErrEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockS3Client{
				GetObjectFunc: func(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
					if tt.err != nil {
						return nil, tt.err
					}
					return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(tt.body))}, nil
				},
			}

			_, err := NewS3Store(client, "b", "mapping.json").Load(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestS3Store_Save(t *testing.T) {
	var body string
	client := &mockS3Client{
		PutObjectFunc: func(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			data, err := io.ReadAll(params.Body)
			require.NoError(t, err)
			body = string(data)
			assert.Equal(t, "application/json", aws.ToString(params.ContentType))
			return &s3.PutObjectOutput{}, nil
		},
	}

	require.NoError(t, NewS3Store(client, "b", "mapping.json").Save(context.Background(), Default()))
	assert.Contains(t, body, `"CTEventName": "CreateFunction20150331"`)
	assert.Contains(t, body, `"Global": true`)
}
