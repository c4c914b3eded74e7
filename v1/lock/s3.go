package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// S3Client is the subset of the S3 API used by the S3 locker.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput,
		optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// s3Record is the JSON body stored under the lock key.
type s3Record struct {
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
	Expiry    time.Time `json:"expiry,omitempty"`
}

func (r *s3Record) expired(now time.Time) bool {
	return !r.Expiry.IsZero() && now.After(r.Expiry)
}

// S3 implements Locker on an S3 bucket using conditional writes: the lock
// object is created with If-None-Match and an expired lock is taken over
// with If-Match on its ETag, so two processes can never both win.
type S3 struct {
	client S3Client
	bucket string
	prefix string
	owner  string

	mu     sync.Mutex
	tokens map[string]string
}

// NewS3 returns an S3 locker storing lock objects under prefix in bucket.
func NewS3(client S3Client, bucket, prefix string) *S3 {
	owner, err := os.Hostname()
	if err != nil {
		owner = "unknown"
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		owner:  fmt.Sprintf("%s-%d", owner, os.Getpid()),
		tokens: make(map[string]string),
	}
}

func (l *S3) objectKey(key string) string { return l.prefix + key }

// TryLock implements Locker.TryLock.
func (l *S3) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	rec := s3Record{Owner: l.owner, Token: uuid.NewString(), Timestamp: now}
	if ttl > 0 {
		rec.Expiry = now.Add(ttl)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("lock: marshal s3 record: %w", err)
	}

	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.objectKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		l.remember(key, rec.Token)
		return true, nil
	}
	if !isAWSErrorCode(err, "PreconditionFailed") {
		return false, fmt.Errorf("lock: create s3 lock: %w", err)
	}

	current, etag, err := l.read(ctx, key)
	if errors.Is(err, errNoLockObject) {
		// released between our put and get; next sweep retries
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !current.expired(now) {
		return false, nil
	}

	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.objectKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfMatch:     aws.String(etag),
	})
	if err != nil {
		if isAWSErrorCode(err, "PreconditionFailed") {
			return false, nil
		}
		return false, fmt.Errorf("lock: take over expired s3 lock: %w", err)
	}
	l.remember(key, rec.Token)
	return true, nil
}

// Release implements Locker.Release. The object is only deleted while it
// still carries this locker's token.
func (l *S3) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	current, _, err := l.read(ctx, key)
	if errors.Is(err, errNoLockObject) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.Token != token {
		return nil
	}
	_, err = l.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("lock: delete s3 lock: %w", err)
	}
	return nil
}

// Refresh implements Refresher. The record is rewritten with a new expiry
// only while it still carries this locker's token.
func (l *S3) Refresh(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	token, ok := l.tokens[key]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	current, etag, err := l.read(ctx, key)
	if errors.Is(err, errNoLockObject) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current.Token != token {
		return false, nil
	}
	current.Timestamp = time.Now()
	current.Expiry = time.Time{}
	if ttl > 0 {
		current.Expiry = current.Timestamp.Add(ttl)
	}
	body, err := json.Marshal(current)
	if err != nil {
		return false, fmt.Errorf("lock: marshal s3 record: %w", err)
	}
	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(l.bucket),
		Key:         aws.String(l.objectKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		IfMatch:     aws.String(etag),
	})
	if err != nil {
		if isAWSErrorCode(err, "PreconditionFailed") {
			return false, nil
		}
		return false, fmt.Errorf("lock: refresh s3 lock: %w", err)
	}
	return true, nil
}

var errNoLockObject = errors.New("lock: s3 lock object not found")

func (l *S3) read(ctx context.Context, key string) (*s3Record, string, error) {
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, "", errNoLockObject
		}
		return nil, "", fmt.Errorf("lock: read s3 lock: %w", err)
	}
	defer out.Body.Close()

	var rec s3Record
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return nil, "", fmt.Errorf("lock: decode s3 lock: %w", err)
	}
	return &rec, aws.ToString(out.ETag), nil
}

func (l *S3) remember(key, token string) {
	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
}

func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
