// Package remote replicates backup artifacts to an object store behind a
// provider-agnostic interface. The adapter never retries: a single failure is
// terminal for that operation, and retry policy stays with the callers whose
// attempt limits already exist.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotAuthenticated reports missing or rejected credentials. Callers use it
// to degrade to local-only operation instead of treating the remote as broken.
var ErrNotAuthenticated = errors.New("remote storage not authenticated")

// TransportError wraps a network or provider API failure. It is distinguishable
// from ErrNotAuthenticated so callers can surface it rather than degrade.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("remote %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Artifact describes one named binary object on the remote store.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage reports advisory quota introspection.
type Usage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"` // 0 = no advisory limit configured
}

// ProgressFunc receives transfer progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// Replica is the provider-agnostic contract for backup replication.
type Replica interface {
	// Upload stores size bytes from r under name and returns the remote object id.
	Upload(ctx context.Context, name string, r io.Reader, size int64, onProgress ProgressFunc) (string, error)
	// Download fetches an object by its remote id.
	Download(ctx context.Context, remoteID string, onProgress ProgressFunc) ([]byte, error)
	// List enumerates the stored backup artifacts.
	List(ctx context.Context) ([]Artifact, error)
	// Delete removes an object by its remote id.
	Delete(ctx context.Context, remoteID string) error
	// Quota reports used bytes against the advisory limit.
	Quota(ctx context.Context) (Usage, error)
}

// progressReader counts bytes as they pass through and reports them.
type progressReader struct {
	r           io.Reader
	total       int64
	transferred int64
	onProgress  ProgressFunc
}

func newProgressReader(r io.Reader, total int64, onProgress ProgressFunc) io.Reader {
	if onProgress == nil {
		return r
	}
	return &progressReader{r: r, total: total, onProgress: onProgress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.transferred += int64(n)
		p.onProgress(p.transferred, p.total)
	}
	return n, err
}
