package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/nholden/storekeeper/internal/config"
)

// mockS3Client is an in-memory s3Client.
type mockS3Client struct {
	objects map[string][]byte
	putErr  error
	getErr  error
	listErr error
	delErr  error
	// pageSize forces ListObjectsV2 pagination when > 0.
	pageSize int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(input.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	delete(m.objects, aws.ToString(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}

	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, aws.ToString(input.Prefix)) {
			keys = append(keys, key)
		}
	}
	// Stable order so pagination tokens mean something.
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	start := 0
	if input.ContinuationToken != nil {
		for i, key := range keys {
			if key == *input.ContinuationToken {
				start = i
				break
			}
		}
	}

	end := len(keys)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	now := time.Now().UTC()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(m.objects[key]))),
			LastModified: aws.Time(now),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func newTestReplica(client s3Client, quota int64) *S3Replica {
	return &S3Replica{client: client, bucket: "test-bucket", quota: quota}
}

func TestNewS3IncompleteCredentials(t *testing.T) {
	tests := []config.RemoteConfig{
		{},
		{Bucket: "b"},
		{Bucket: "b", AccessKey: "k"},
		{AccessKey: "k", SecretKey: "s"},
	}
	for _, cfg := range tests {
		if _, err := NewS3(cfg); !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("NewS3(%+v) = %v, want ErrNotAuthenticated", cfg, err)
		}
	}
}

func TestNewS3CompleteCredentials(t *testing.T) {
	r, err := NewS3(config.RemoteConfig{
		Bucket:    "b",
		AccessKey: "k",
		SecretKey: "s",
		Endpoint:  "https://s3.example.com",
		Region:    "auto",
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if r.bucket != "b" {
		t.Errorf("bucket = %s", r.bucket)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	client := newMockS3Client()
	r := newTestReplica(client, 0)
	payload := []byte("artifact bytes")

	id, err := r.Upload(context.Background(), "backup-a.db", bytes.NewReader(payload), int64(len(payload)), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "backups/backup-a.db" {
		t.Errorf("remote id = %s, want prefixed key", id)
	}

	got, err := r.Download(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Download = %q, want %q", got, payload)
	}
}

func TestUploadReportsProgress(t *testing.T) {
	client := newMockS3Client()
	r := newTestReplica(client, 0)
	payload := bytes.Repeat([]byte("x"), 1024)

	var transferred, total int64
	_, err := r.Upload(context.Background(), "backup-a.db", bytes.NewReader(payload), int64(len(payload)), func(tr, to int64) {
		transferred, total = tr, to
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if transferred != int64(len(payload)) {
		t.Errorf("transferred = %d, want %d", transferred, len(payload))
	}
	if total != int64(len(payload)) {
		t.Errorf("total = %d, want %d", total, len(payload))
	}
}

func TestDownloadMissingObject(t *testing.T) {
	r := newTestReplica(newMockS3Client(), 0)

	_, err := r.Download(context.Background(), "backups/nope.db", nil)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("Download missing = %v, want TransportError", err)
	}
}

func TestListPaginates(t *testing.T) {
	client := newMockS3Client()
	client.pageSize = 2
	r := newTestReplica(client, 0)

	for _, name := range []string{"backup-a.db", "backup-b.db", "backup-c.db", "backup-d.db", "backup-e.db"} {
		client.objects[keyPrefix+name] = []byte("data")
	}
	client.objects["other/ignored.txt"] = []byte("not a backup")

	artifacts, err := r.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(artifacts) != 5 {
		t.Fatalf("List = %d artifacts, want 5", len(artifacts))
	}
	for _, a := range artifacts {
		if !strings.HasPrefix(a.ID, keyPrefix) {
			t.Errorf("artifact id %s outside key prefix", a.ID)
		}
		if strings.Contains(a.Name, "/") {
			t.Errorf("artifact name %s not stripped of prefix", a.Name)
		}
		if a.Size != 4 {
			t.Errorf("artifact size = %d, want 4", a.Size)
		}
	}
}

func TestDelete(t *testing.T) {
	client := newMockS3Client()
	client.objects["backups/backup-a.db"] = []byte("data")
	r := newTestReplica(client, 0)

	if err := r.Delete(context.Background(), "backups/backup-a.db"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := client.objects["backups/backup-a.db"]; ok {
		t.Error("object survived delete")
	}
}

func TestQuotaSumsUsage(t *testing.T) {
	client := newMockS3Client()
	client.objects["backups/backup-a.db"] = bytes.Repeat([]byte("x"), 100)
	client.objects["backups/backup-b.db"] = bytes.Repeat([]byte("x"), 50)
	r := newTestReplica(client, 1024)

	usage, err := r.Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if usage.UsedBytes != 150 {
		t.Errorf("UsedBytes = %d, want 150", usage.UsedBytes)
	}
	if usage.QuotaBytes != 1024 {
		t.Errorf("QuotaBytes = %d, want 1024", usage.QuotaBytes)
	}
}

func TestClassifyCredentialErrors(t *testing.T) {
	for _, code := range []string{"AccessDenied", "InvalidAccessKeyId", "ExpiredToken", "SignatureDoesNotMatch"} {
		client := newMockS3Client()
		client.putErr = &smithy.GenericAPIError{Code: code, Message: "denied"}
		r := newTestReplica(client, 0)

		_, err := r.Upload(context.Background(), "backup-a.db", strings.NewReader("x"), 1, nil)
		if !errors.Is(err, ErrNotAuthenticated) {
			t.Errorf("code %s classified as %v, want ErrNotAuthenticated", code, err)
		}
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	client := newMockS3Client()
	client.listErr = errors.New("connection refused")
	r := newTestReplica(client, 0)

	_, err := r.List(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("List error = %v, want TransportError", err)
	}
	if errors.Is(err, ErrNotAuthenticated) {
		t.Error("plain network error classified as authentication failure")
	}
}
