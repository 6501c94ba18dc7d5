// Package filestore is the FileStore collaborator (spec §6): opaque binary
// storage for recordings, fronted by presigned S3-compatible URLs so the
// core never proxies file bytes itself.
package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FileStore generates presigned upload/download URLs for recording objects.
type FileStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// Config holds the connection details for an S3-compatible bucket. Endpoint
// is optional; when set, it points at an S3-compatible provider instead of
// AWS (e.g. a self-hosted MinIO or a non-AWS object store).
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// New creates a FileStore from static credentials. Region defaults to
// "us-east-1" when empty.
func New(cfg Config) (*FileStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("filestore: bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region: region,
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	client := s3.New(opts)
	presigner := s3.NewPresignClient(client)

	return &FileStore{
		client:    client,
		presigner: presigner,
		bucket:    cfg.Bucket,
	}, nil
}

// recordingKey namespaces recording objects under the meeting they belong to.
func recordingKey(meetingID, objectName string) string {
	return fmt.Sprintf("recordings/%s/%s", meetingID, objectName)
}

// PresignUpload generates a presigned URL for uploading a meeting recording.
func (f *FileStore) PresignUpload(ctx context.Context, meetingID, objectName, contentType string, expiry time.Duration) (string, error) {
	key := recordingKey(meetingID, objectName)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}

	req, err := f.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("generate presigned upload url: %w", err)
	}
	return req.URL, nil
}

// PresignDownload generates a presigned URL for downloading a meeting recording.
func (f *FileStore) PresignDownload(ctx context.Context, meetingID, objectName string, expiry time.Duration) (string, error) {
	key := recordingKey(meetingID, objectName)
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}

	req, err := f.presigner.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("generate presigned download url: %w", err)
	}
	return req.URL, nil
}

// Delete removes a meeting recording object.
func (f *FileStore) Delete(ctx context.Context, meetingID, objectName string) error {
	key := recordingKey(meetingID, objectName)
	_, err := f.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete recording object: %w", err)
	}
	return nil
}
