package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/nholden/storekeeper/internal/config"
)

// keyPrefix namespaces backup objects inside the bucket.
const keyPrefix = "backups/"

// s3Client is the subset of the S3 API the replica uses, as an interface for
// testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Replica implements Replica against any S3-compatible store.
type S3Replica struct {
	client s3Client
	bucket string
	quota  int64
}

// NewS3 builds a replica from the remote configuration. It returns
// ErrNotAuthenticated when the credential fields are incomplete so callers
// fall back to local-only operation without a network round trip.
func NewS3(cfg config.RemoteConfig) (*S3Replica, error) {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrNotAuthenticated
	}

	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Replica{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		quota:  cfg.QuotaBytes,
	}, nil
}

// Upload stores the artifact and returns its object key as the remote id.
func (r *S3Replica) Upload(ctx context.Context, name string, body io.Reader, size int64, onProgress ProgressFunc) (string, error) {
	key := keyPrefix + name
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          newProgressReader(body, size, onProgress),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", classify("upload", err)
	}
	return key, nil
}

// Download fetches an object into memory. Backup artifacts are single
// database snapshots, small enough that the staging path wants whole bytes.
func (r *S3Replica) Download(ctx context.Context, remoteID string, onProgress ProgressFunc) ([]byte, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return nil, classify("download", err)
	}
	defer out.Body.Close()

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}

	data, err := io.ReadAll(newProgressReader(out.Body, total, onProgress))
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}
	return data, nil
}

// List enumerates backup objects under the key prefix.
func (r *S3Replica) List(ctx context.Context) ([]Artifact, error) {
	var artifacts []Artifact
	var token *string
	for {
		out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(r.bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, classify("list", err)
		}
		for _, obj := range out.Contents {
			a := Artifact{
				ID:   aws.ToString(obj.Key),
				Name: strings.TrimPrefix(aws.ToString(obj.Key), keyPrefix),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				a.CreatedAt = obj.LastModified.UTC()
			} else {
				a.CreatedAt = time.Time{}
			}
			artifacts = append(artifacts, a)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return artifacts, nil
}

// Delete removes an object by key.
func (r *S3Replica) Delete(ctx context.Context, remoteID string) error {
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(remoteID),
	})
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

// Quota sums listed object sizes against the configured advisory limit. S3
// exposes no quota API, so usage is derived from the listing.
func (r *S3Replica) Quota(ctx context.Context) (Usage, error) {
	artifacts, err := r.List(ctx)
	if err != nil {
		return Usage{}, err
	}
	var used int64
	for _, a := range artifacts {
		used += a.Size
	}
	return Usage{UsedBytes: used, QuotaBytes: r.quota}, nil
}

// classify maps provider errors onto the package taxonomy: credential
// rejections become ErrNotAuthenticated, everything else a TransportError.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "ExpiredToken",
			"SignatureDoesNotMatch", "TokenRefreshRequired":
			return fmt.Errorf("%s: %s: %w", op, apiErr.ErrorMessage(), ErrNotAuthenticated)
		}
	}
	return &TransportError{Op: op, Err: err}
}
