package recording

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Compile-time interface assertion.
var _ Uploader = (*S3Uploader)(nil)

// S3Config describes an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // empty for AWS; set for R2, MinIO and friends
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured reports whether enough settings are present to upload.
func (c S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// S3Uploader stores artifacts as <prefix>/<id>.wav objects.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader with static credentials. A custom
// endpoint switches to path-style addressing.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("recording: s3: bucket and credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = region
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Uploader{
		client: s3.New(s3.Options{}, options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Key returns the object key for an artifact id.
func (u *S3Uploader) Key(id string) string {
	return path.Join(u.prefix, id+".wav")
}

// Upload puts the artifact and returns an s3:// location.
func (u *S3Uploader) Upload(ctx context.Context, a Artifact) (string, error) {
	key := u.Key(a.ID)
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(a.Data),
		ContentLength: aws.Int64(int64(len(a.Data))),
		ContentType:   aws.String(a.MIMEType),
	})
	if err != nil {
		return "", fmt.Errorf("recording: s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
}

// Ping checks that the bucket exists and the credentials can reach it.
func (u *S3Uploader) Ping(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		return fmt.Errorf("recording: s3 head %s: %w", u.bucket, err)
	}
	return nil
}
