// Package uploader persists frames to an S3-compatible object store with
// date/device/event-type partitioned keys, switching to multipart uploads
// above a size threshold.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/monitoring"
	"github.com/quantbagel/nier/internal/storage/event"
)

// S3API is the slice of the S3 client the uploader uses. The concrete
// client satisfies it; tests substitute fakes.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Uploader writes frames to the object store.
type Uploader struct {
	client S3API
	bucket string
	cfg    config.S3Config
	log    *logrus.Entry
}

// New creates an uploader backed by a real S3 client built from the
// configuration.
func New(ctx context.Context, cfg config.S3Config) (*Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	log := logrus.WithField("component", "uploader")
	log.WithFields(logrus.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
	}).Info("S3 uploader initialized")

	return &Uploader{client: client, bucket: cfg.Bucket, cfg: cfg, log: log}, nil
}

// NewWithClient creates an uploader over an existing client.
func NewWithClient(client S3API, cfg config.S3Config) *Uploader {
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		cfg:    cfg,
		log:    logrus.WithField("component", "uploader"),
	}
}

// Client returns the underlying S3 API, used by the presigning service.
func (u *Uploader) Client() S3API {
	return u.client
}

// Bucket returns the configured bucket name.
func (u *Uploader) Bucket() string {
	return u.bucket
}

// objectMetadata builds the object metadata recorded alongside a frame.
func objectMetadata(e *event.StorageTriggerEvent) map[string]string {
	return map[string]string{
		"device-id":    e.DeviceID,
		"frame-number": strconv.FormatUint(e.FrameNumber, 10),
		"trigger-type": e.TriggerType,
		"width":        strconv.Itoa(e.Width),
		"height":       strconv.Itoa(e.Height),
		"timestamp":    e.Timestamp.UTC().Format(time.RFC3339),
	}
}

// UploadFrame writes one frame and returns its object key. Frames above
// the multipart threshold are uploaded in parts.
func (u *Uploader) UploadFrame(ctx context.Context, e *event.StorageTriggerEvent) (string, error) {
	key := GenerateKey(e)
	contentType := ContentType(e.Format)

	start := time.Now()
	var err error
	if len(e.FrameData) > u.cfg.MultipartThresholdBytes {
		err = u.multipartUpload(ctx, e, key, contentType)
	} else {
		err = u.simpleUpload(ctx, e, key, contentType)
	}
	if err != nil {
		return "", err
	}
	monitoring.UploadDuration.Observe(time.Since(start).Seconds())
	monitoring.BytesUploaded.Add(float64(len(e.FrameData)))

	u.log.WithFields(logrus.Fields{
		"s3_key":     key,
		"size_bytes": len(e.FrameData),
	}).Debug("frame uploaded")

	return key, nil
}

func (u *Uploader) simpleUpload(ctx context.Context, e *event.StorageTriggerEvent, key, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(e.FrameData),
		ContentType: aws.String(contentType),
		Metadata:    objectMetadata(e),
	})
	if err != nil {
		return fmt.Errorf("failed to upload frame: %w", err)
	}
	return nil
}

// multipartUpload uploads the frame in part-size chunks. Any failure after
// the upload is created aborts it so no orphaned parts accumulate.
func (u *Uploader) multipartUpload(ctx context.Context, e *event.StorageTriggerEvent, key, contentType string) (err error) {
	create, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    objectMetadata(e),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := create.UploadId

	defer func() {
		if err == nil {
			return
		}
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, abortErr := u.client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); abortErr != nil {
			u.log.WithError(abortErr).WithField("s3_key", key).Warn("failed to abort multipart upload")
		}
	}()

	data := []byte(e.FrameData)
	partSize := u.cfg.PartSizeBytes
	var completed []types.CompletedPart
	partNumber := int32(1)

	for offset := 0; offset < len(data); offset += partSize {
		end := offset + partSize
		if end > len(data) {
			end = len(data)
		}

		part, uploadErr := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(data[offset:end]),
		})
		if uploadErr != nil {
			err = fmt.Errorf("failed to upload part %d: %w", partNumber, uploadErr)
			return err
		}

		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		partNumber++
	}

	_, err = u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		err = fmt.Errorf("failed to complete multipart upload: %w", err)
		return err
	}
	return nil
}

// DeleteFrame removes an object by key.
func (u *Uploader) DeleteFrame(ctx context.Context, key string) error {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete frame: %w", err)
	}
	return nil
}

// FrameExists reports whether an object exists. A 404 is false; any other
// error propagates.
func (u *Uploader) FrameExists(ctx context.Context, key string) (bool, error) {
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check frame existence: %w", err)
	}
	return true, nil
}

// ListFrames lists keys under frames/{date}[/{device}[/{eventType}]], up to
// maxKeys.
func (u *Uploader) ListFrames(ctx context.Context, date string, deviceID, eventType string, maxKeys int32) ([]string, error) {
	prefix := KeyPrefix + "/" + date
	if deviceID != "" {
		prefix += "/" + SanitizePathComponent(deviceID)
		if eventType != "" {
			prefix += "/" + eventType
		}
	}

	out, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(u.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(maxKeys),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}
