package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fakeS3 records the calls S3Sink makes.
type fakeS3 struct {
	missing  bool
	failPart int32

	created   []string
	objects   map[string][]byte
	parts     map[int32][]byte
	completed *s3.CompleteMultipartUploadInput
	aborted   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, parts: map[int32][]byte{}}
}

func (f *fakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.missing {
		return nil, errors.New("not found")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.created = append(f.created, aws.ToString(params.Bucket))
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := aws.ToInt32(params.PartNumber)
	if n == f.failPart {
		return nil, errors.New("connection reset")
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = params
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	fake := newFakeS3()
	sink, err := newS3Sink(context.Background(), fake, "archive", "tapes/", false, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Put(context.Background(), "TAPE00/a.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := string(fake.objects["tapes/TAPE00/a.txt"]); got != "hello" {
		t.Errorf("object = %q", got)
	}
	if sink.String() != "s3://archive/tapes/" {
		t.Errorf("String() = %s", sink.String())
	}
}

func TestS3Sink_Multipart(t *testing.T) {
	fake := newFakeS3()
	sink, err := newS3Sink(context.Background(), fake, "archive", "", false, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	data := patterned(MULTIPART_THRESHOLD + 1)
	if err := sink.Put(context.Background(), "big", data); err != nil {
		t.Fatal(err)
	}
	if len(fake.objects) != 0 {
		t.Error("large object sent with a single PUT")
	}
	if fake.completed == nil {
		t.Fatal("multipart upload not completed")
	}
	parts := fake.completed.MultipartUpload.Parts
	if len(parts) != 3 {
		t.Fatalf("completed %d parts, want 3", len(parts))
	}
	var joined []byte
	for i, p := range parts {
		n := aws.ToInt32(p.PartNumber)
		if n != int32(i+1) || aws.ToString(p.ETag) != fmt.Sprintf("etag-%d", n) {
			t.Errorf("part %d = %d %s", i, n, aws.ToString(p.ETag))
		}
		joined = append(joined, fake.parts[n]...)
	}
	if !bytes.Equal(joined, data) {
		t.Error("parts do not reassemble the object")
	}
	if fake.aborted != 0 {
		t.Errorf("aborted %d uploads", fake.aborted)
	}
}

func TestS3Sink_MultipartAbort(t *testing.T) {
	fake := newFakeS3()
	fake.failPart = 2
	sink, err := newS3Sink(context.Background(), fake, "archive", "", false, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Put(context.Background(), "big", patterned(MULTIPART_THRESHOLD+1)); err == nil {
		t.Fatal("failed part not reported")
	}
	if fake.aborted != 1 {
		t.Errorf("aborted %d uploads, want 1", fake.aborted)
	}
	if fake.completed != nil {
		t.Error("failed upload completed")
	}
}

func TestNewS3Sink_MissingBucket(t *testing.T) {
	fake := newFakeS3()
	fake.missing = true
	if _, err := newS3Sink(context.Background(), fake, "archive", "", false, testLogger(t)); err == nil {
		t.Error("missing bucket accepted")
	}
	if len(fake.created) != 0 {
		t.Error("bucket created without permission")
	}
	if _, err := newS3Sink(context.Background(), fake, "archive", "", true, testLogger(t)); err != nil {
		t.Fatal(err)
	}
	if len(fake.created) != 1 || fake.created[0] != "archive" {
		t.Errorf("created = %v", fake.created)
	}
}

func TestSplitParts(t *testing.T) {
	tests := []struct {
		size int
		part int
		want []int
	}{
		{10, 4, []int{4, 4, 2}},
		{8, 4, []int{4, 4}},
		{3, 4, []int{3}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.size, tt.part), func(t *testing.T) {
			parts := splitParts(make([]byte, tt.size), tt.part)
			if len(parts) != len(tt.want) {
				t.Fatalf("got %d parts, want %d", len(parts), len(tt.want))
			}
			for i, p := range parts {
				if len(p) != tt.want[i] {
					t.Errorf("part %d is %d bytes, want %d", i, len(p), tt.want[i])
				}
			}
		})
	}
}
