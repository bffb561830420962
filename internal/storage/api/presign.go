package api

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Presigner mints short-lived GET URLs for object keys.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// s3PresignAPI is the slice of the S3 presign client we use.
type s3PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Presigner mints URLs through the object store's presign operation.
type S3Presigner struct {
	presign s3PresignAPI
	bucket  string
}

// NewS3Presigner creates a presigner over a real S3 client.
func NewS3Presigner(client *s3.Client, bucket string) *S3Presigner {
	return &S3Presigner{presign: s3.NewPresignClient(client), bucket: bucket}
}

// PresignGet implements Presigner.
func (p *S3Presigner) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return req.URL, nil
}
