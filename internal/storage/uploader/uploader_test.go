package uploader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbagel/nier/internal/config"
	"github.com/quantbagel/nier/internal/storage/event"
)

// fakeS3 records calls and can fail selected operations.
type fakeS3 struct {
	mu           sync.Mutex
	putInputs    []*s3.PutObjectInput
	created      int
	parts        []*s3.UploadPartInput
	completed    []*s3.CompleteMultipartUploadInput
	aborted      []*s3.AbortMultipartUploadInput
	deleted      []string
	listInput    *s3.ListObjectsV2Input
	listKeys     []string
	headErr      error
	partFailAt   int // fail the Nth UploadPart call (1-based), 0 = never
	completeFail bool
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putInputs = append(f.putInputs, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.created++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.parts = append(f.parts, in)
	if f.partFailAt > 0 && len(f.parts) == f.partFailAt {
		return nil, errors.New("part upload failed")
	}
	return &s3.UploadPartOutput{ETag: aws.String("etag")}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.completeFail {
		return nil, errors.New("complete failed")
	}
	f.completed = append(f.completed, in)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = append(f.aborted, in)
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, _ *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.listInput = in
	contents := make([]types.Object, 0, len(f.listKeys))
	for _, k := range f.listKeys {
		contents = append(contents, types.Object{Key: aws.String(k)})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func testS3Config() config.S3Config {
	return config.S3Config{
		Bucket:                  "test-bucket",
		Region:                  "us-east-1",
		PresignedURLExpirySecs:  3600,
		UploadConcurrency:       4,
		MultipartThresholdBytes: 1024,
		PartSizeBytes:           512,
	}
}

func uploadTestEvent(size int) *event.StorageTriggerEvent {
	return &event.StorageTriggerEvent{
		EventID:     uuid.New(),
		DeviceID:    "glasses-001",
		Timestamp:   time.Date(2024, 1, 15, 10, 30, 45, 0, time.UTC),
		FrameNumber: 7,
		FrameData:   make(event.FrameData, size),
		Width:       1920,
		Height:      1080,
		Format:      "jpeg",
		TriggerType: event.TriggerDetection,
	}
}

func TestSimpleUploadBelowThreshold(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, testS3Config())

	e := uploadTestEvent(100)
	key, err := u.UploadFrame(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, GenerateKey(e), key)

	require.Len(t, fake.putInputs, 1)
	assert.Zero(t, fake.created)

	in := fake.putInputs[0]
	assert.Equal(t, "test-bucket", *in.Bucket)
	assert.Equal(t, "image/jpeg", *in.ContentType)
	assert.Equal(t, "glasses-001", in.Metadata["device-id"])
	assert.Equal(t, "7", in.Metadata["frame-number"])
	assert.Equal(t, "detection", in.Metadata["trigger-type"])
	assert.Equal(t, "1920", in.Metadata["width"])
	assert.Equal(t, "1080", in.Metadata["height"])
	assert.Equal(t, "2024-01-15T10:30:45Z", in.Metadata["timestamp"])

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	assert.Len(t, body, 100)
}

func TestMultipartUploadAboveThreshold(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, testS3Config())

	// 1300 bytes over a 1024 threshold with 512-byte parts: 3 parts.
	_, err := u.UploadFrame(context.Background(), uploadTestEvent(1300))
	require.NoError(t, err)

	assert.Equal(t, 1, fake.created)
	require.Len(t, fake.parts, 3)
	for i, part := range fake.parts {
		assert.Equal(t, int32(i+1), *part.PartNumber)
	}
	require.Len(t, fake.completed, 1)
	assert.Len(t, fake.completed[0].MultipartUpload.Parts, 3)
	assert.Empty(t, fake.aborted)
	assert.Empty(t, fake.putInputs)
}

func TestMultipartAbortsOnPartFailure(t *testing.T) {
	fake := &fakeS3{partFailAt: 2}
	u := NewWithClient(fake, testS3Config())

	_, err := u.UploadFrame(context.Background(), uploadTestEvent(1300))
	require.Error(t, err)

	require.Len(t, fake.aborted, 1)
	assert.Equal(t, "upload-1", *fake.aborted[0].UploadId)
	assert.Empty(t, fake.completed)
}

func TestMultipartAbortsOnCompleteFailure(t *testing.T) {
	fake := &fakeS3{completeFail: true}
	u := NewWithClient(fake, testS3Config())

	_, err := u.UploadFrame(context.Background(), uploadTestEvent(1300))
	require.Error(t, err)
	require.Len(t, fake.aborted, 1)
}

func TestFrameExists(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, testS3Config())

	exists, err := u.FrameExists(context.Background(), "frames/k")
	require.NoError(t, err)
	assert.True(t, exists)

	fake.headErr = &types.NotFound{}
	exists, err = u.FrameExists(context.Background(), "frames/k")
	require.NoError(t, err)
	assert.False(t, exists)

	fake.headErr = errors.New("access denied")
	_, err = u.FrameExists(context.Background(), "frames/k")
	require.Error(t, err)
}

func TestDeleteFrame(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, testS3Config())

	require.NoError(t, u.DeleteFrame(context.Background(), "frames/k"))
	assert.Equal(t, []string{"frames/k"}, fake.deleted)
}

func TestListFramesPrefixes(t *testing.T) {
	fake := &fakeS3{listKeys: []string{"frames/2024-01-15/d/detections/a.jpeg"}}
	u := NewWithClient(fake, testS3Config())

	keys, err := u.ListFrames(context.Background(), "2024-01-15", "", "", 100)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.Equal(t, "frames/2024-01-15", *fake.listInput.Prefix)
	assert.Equal(t, int32(100), *fake.listInput.MaxKeys)

	_, err = u.ListFrames(context.Background(), "2024-01-15", "glasses 001", "detections", 10)
	require.NoError(t, err)
	assert.Equal(t, "frames/2024-01-15/glasses_001/detections", *fake.listInput.Prefix)
}

func TestBatchUploader(t *testing.T) {
	fake := &fakeS3{}
	u := NewWithClient(fake, testS3Config())
	batch := NewBatchUploader(u, 2)

	events := []*event.StorageTriggerEvent{
		uploadTestEvent(10), uploadTestEvent(20), uploadTestEvent(30),
	}
	results := batch.UploadBatch(context.Background(), events)

	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err, "event %d", i)
		assert.NotEmpty(t, r.Key)
	}
	assert.Len(t, fake.putInputs, 3)
}
