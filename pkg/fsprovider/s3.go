package fsprovider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

// S3Options configures the S3 client. Empty fields fall back to the default
// AWS configuration chain (environment, shared config, instance role).
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// s3API is the subset of *s3.Client used here.
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Provider serves "s3://bucket/key" URIs.
type S3Provider struct {
	client s3API
	bufs   *pool.FixedBufferPool
}

// NewS3Provider loads the AWS configuration and builds a client.
func NewS3Provider(ctx context.Context, opts S3Options, bufs *pool.FixedBufferPool) (*S3Provider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return newS3ProviderWithClient(client, bufs), nil
}

func newS3ProviderWithClient(client s3API, bufs *pool.FixedBufferPool) *S3Provider {
	return &S3Provider{client: client, bufs: bufs}
}

func (p *S3Provider) Protocol() string { return "s3" }

func splitBucketKey(p string) (bucket, key string, err error) {
	bucket, key, _ = strings.Cut(strings.TrimPrefix(p, "/"), "/")
	if bucket == "" || bucket == "." {
		return "", "", fmt.Errorf("s3 path %q has no bucket", p)
	}
	return bucket, key, nil
}

func (p *S3Provider) Glob(ctx context.Context, pattern string) ([]string, error) {
	base, err := globBase(pattern)
	if err != nil {
		return nil, err
	}
	bucket, prefix, err := splitBucketKey(base)
	if err != nil {
		return nil, fmt.Errorf("bucket name must not contain wildcards: %w", err)
	}
	if prefix != "" {
		prefix += "/"
	}

	var matches []string
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			full := bucket + "/" + key
			if matchGlob(pattern, full) {
				matches = append(matches, full)
			}
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (p *S3Provider) Size(ctx context.Context, path string) (int64, error) {
	bucket, key, err := splitBucketKey(path)
	if err != nil {
		return 0, err
	}
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, wrapS3Error(path, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (p *S3Provider) Download(ctx context.Context, remotePath, localPath string) error {
	bucket, key, err := splitBucketKey(remotePath)
	if err != nil {
		return err
	}
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrapS3Error(remotePath, err)
	}
	defer out.Body.Close()

	_, err = writeFileAtomic(ctx, localPath, out.Body, p.bufs)
	return err
}

func wrapS3Error(path string, err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: s3://%s", ErrNotFound, path)
	}
	return fmt.Errorf("s3://%s: %w", path, err)
}

var _ Provider = (*S3Provider)(nil)
