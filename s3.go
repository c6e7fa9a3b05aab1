// provides the s3 sink that exported files are uploaded to
package main

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	. "tapeio/utils"
)

// objects larger than this are sent as multipart uploads
const MULTIPART_THRESHOLD = 16 * 1024 * 1024

// part size for multipart uploads; s3 requires at least 5MiB
const PART_SIZE = 8 * 1024 * 1024

// the calls S3Sink makes, satisfied by *s3.Client
type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Sink puts exported files into one bucket.
type S3Sink struct {
	client s3API
	bucket string
	prefix string
	logger *Logger
}

// NewS3Sink connects to bucket in region with the default credential chain.
// With create set a missing bucket is created.
func NewS3Sink(ctx context.Context, region, bucket, prefix string, create bool, logger *Logger) (*S3Sink, error) {
	client, err := getClient(ctx, region)
	if err != nil {
		return nil, err
	}
	return newS3Sink(ctx, client, bucket, prefix, create, logger)
}

func newS3Sink(ctx context.Context, client s3API, bucket, prefix string, create bool, logger *Logger) (*S3Sink, error) {
	s := &S3Sink{client: client, bucket: bucket, prefix: prefix, logger: logger}
	if !s.doesExist(ctx) {
		if !create {
			return nil, fmt.Errorf("bucket %s does not exist or is not accessible", bucket)
		}
		logger.Event("Bucket ", bucket, " doesn't exist creating it")
		_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
		if err != nil {
			return nil, errors.Wrapf(err, "creating bucket %s", bucket)
		}
	}
	return s, nil
}

func (s *S3Sink) String() string { return "s3://" + s.bucket + "/" + s.prefix }

// Put uploads data as key, using multipart for large objects.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	key = s.prefix + key
	if len(data) > MULTIPART_THRESHOLD {
		return s.putMultipart(ctx, key, data)
	}
	params := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if _, err := s.client.PutObject(ctx, params); err != nil {
		return errors.Wrapf(err, "S3 PUT %s", key)
	}
	return nil
}

// put using multipart where each PART_SIZE chunk is a part
func (s *S3Sink) putMultipart(ctx context.Context, key string, data []byte) error {
	// input for starting a multipart upload
	createOutput, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "unable to create multipart upload for %s", key)
	}
	if createOutput == nil || createOutput.UploadId == nil {
		return fmt.Errorf("no upload id found in start upload request for %s", key)
	}
	uploadID := createOutput.UploadId

	abort := func(cause error) error {
		s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		return cause
	}

	partsInfo := make([]types.CompletedPart, 0, len(data)/PART_SIZE+1)
	for i, part := range splitParts(data, PART_SIZE) {
		partNum := aws.Int32(int32(i + 1))
		uploadResult, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			PartNumber: partNum,
			UploadId:   uploadID,
			Body:       bytes.NewReader(part),
		})
		if err != nil {
			return abort(errors.Wrapf(err, "uploading part %d of %s", i+1, key))
		}
		// save off partinfo for completed multipart upload
		partsInfo = append(partsInfo, types.CompletedPart{
			ETag:       uploadResult.ETag,
			PartNumber: partNum,
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: partsInfo},
	})
	if err != nil {
		return abort(errors.Wrapf(err, "unable to complete multipart upload of %s", key))
	}
	return nil
}

func (s *S3Sink) Close() error { return nil }

// returns false if bucket doesn't exist or don't have permissions
func (s *S3Sink) doesExist(ctx context.Context) bool {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err == nil
}

func splitParts(data []byte, size int) [][]byte {
	var parts [][]byte
	for len(data) > size {
		parts = append(parts, data[:size])
		data = data[size:]
	}
	return append(parts, data)
}

func getClient(ctx context.Context, region string) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create s3 session")
	}
	return s3.NewFromConfig(cfg, func(options *s3.Options) {
		options.Region = region
	}), nil
}
