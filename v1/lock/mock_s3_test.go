package lock

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockObject struct {
	data []byte
	etag string
}

// MockS3Client implements S3Client with If-None-Match and If-Match support.
type MockS3Client struct {
	mu       sync.Mutex
	objects  map[string]mockObject
	version  int
	putError error
}

func NewMockS3Client() *MockS3Client {
	return &MockS3Client{objects: make(map[string]mockObject)}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.putError != nil {
		return nil, m.putError
	}
	key := aws.ToString(params.Key)
	existing, exists := m.objects[key]
	if params.IfNoneMatch != nil && *params.IfNoneMatch == "*" && exists {
		return nil, preconditionFailed()
	}
	if params.IfMatch != nil && (!exists || existing.etag != *params.IfMatch) {
		return nil, preconditionFailed()
	}

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.version++
	etag := fmt.Sprintf("\"%d\"", m.version)
	m.objects[key] = mockObject{data: data, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput,
	_ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[aws.ToString(params.Key)]
	if !exists {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput,
	_ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *MockS3Client) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
