package fsprovider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 serves objects from memory and pages listings two keys at a time.
type fakeS3 struct {
	objects map[string]string // "bucket/key" -> content
	lists   int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.lists++
	bucket := aws.ToString(in.Bucket)
	prefix := aws.ToString(in.Prefix)

	var keys []string
	for full := range f.objects {
		b, key, _ := strings.Cut(full, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	content, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(content)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	content, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte(content)))}, nil
}

func TestS3Provider(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"logs/runs/exp1/events.out.tfevents.1":   "1",
		"logs/runs/exp1/events.out.tfevents.2":   "22",
		"logs/runs/exp2/deep/x.tfevents.3":       "333",
		"logs/runs/exp2/weights.bin":             "w",
		"logs/runs-old/exp9/events.out.tfevents": "old",
		"other/runs/exp1/events.out.tfevents.1":  "other bucket",
	}}
	p := newS3ProviderWithClient(fake, newTestBuffers())
	ctx := context.Background()

	matches, err := p.Glob(ctx, "logs/runs/**/*tfevents*")
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	expected := []string{
		"logs/runs/exp1/events.out.tfevents.1",
		"logs/runs/exp1/events.out.tfevents.2",
		"logs/runs/exp2/deep/x.tfevents.3",
	}
	if len(matches) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, matches)
	}
	for i := range expected {
		if matches[i] != expected[i] {
			t.Errorf("match %d: expected %s, got %s", i, expected[i], matches[i])
		}
	}
	if fake.lists < 2 {
		t.Errorf("expected the listing to be paginated, got %d list calls", fake.lists)
	}

	size, err := p.Size(ctx, "logs/runs/exp2/deep/x.tfevents.3")
	if err != nil || size != 3 {
		t.Errorf("Size = %d, %v; want 3, nil", size, err)
	}

	dest := filepath.Join(t.TempDir(), "exp1", "events.out.tfevents.2")
	if err := p.Download(ctx, "logs/runs/exp1/events.out.tfevents.2", dest); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if got := readTestFile(t, dest); got != "22" {
		t.Errorf("expected content %q, got %q", "22", got)
	}

	if _, err := p.Size(ctx, "logs/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Size, got %v", err)
	}
	if err := p.Download(ctx, "logs/missing", dest); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from Download, got %v", err)
	}
}

func TestS3Provider_RejectsWildcardBucket(t *testing.T) {
	p := newS3ProviderWithClient(&fakeS3{}, newTestBuffers())
	if _, err := p.Glob(context.Background(), "**/*tfevents*"); err == nil {
		t.Error("expected an error for a pattern without a bucket")
	}
}
