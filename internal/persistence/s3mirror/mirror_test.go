package s3mirror

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeS3 accepts PutObject requests on a path-style endpoint.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	if dec, ok := decodeChunked(body); ok {
		body = dec
	}
	f.mu.Lock()
	f.objects[strings.TrimPrefix(req.URL.Path, "/")] = body
	f.types[strings.TrimPrefix(req.URL.Path, "/")] = req.Header.Get("Content-Type")
	f.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
}

// decodeChunked unwraps a single-chunk aws-chunked payload.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	n, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n || parts[2] != "0" {
		return nil, false
	}
	return []byte(parts[1]), true
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMirror_UploadsRelativeKeysThroughS3Client(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	client, err := New(context.Background(), Config{
		Bucket:          "estates",
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: fake},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "estates", "home", "snapshots", "600.snap.zst")
	writeFile(t, local, "snapshot-bytes")

	m := NewMirror(client, dataDir, "/backups/", Options{}, nil)
	m.Enqueue(local)
	m.Close()

	st := m.Stats()
	if st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
	key := "estates/backups/estates/home/snapshots/600.snap.zst"
	if got := string(fake.objects[key]); got != "snapshot-bytes" {
		t.Fatalf("object %s=%q (have %v)", key, got, fake.objects)
	}
	if ct := fake.types[key]; ct != "application/zstd" {
		t.Fatalf("content type=%q", ct)
	}
}

type flakyUploader struct {
	mu    sync.Mutex
	fails int
	calls int
	keys  []string
}

func (f *flakyUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("503 slow down")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_RetriesThenSucceeds(t *testing.T) {
	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "events", "events-2026-01-01-00.jsonl.zst")
	writeFile(t, local, "x")

	up := &flakyUploader{fails: 2}
	m := NewMirror(up, dataDir, "", Options{Backoff: func(int) time.Duration { return 0 }}, nil)
	m.Enqueue(local)
	m.Close()

	if up.calls != 3 || len(up.keys) != 1 || up.keys[0] != "events/events-2026-01-01-00.jsonl.zst" {
		t.Fatalf("calls=%d keys=%v", up.calls, up.keys)
	}
	if st := m.Stats(); st.UploadSuccessTotal != 1 || st.LastSuccessUnix == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_GivesUpAfterMaxAttempts(t *testing.T) {
	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "a.snap.zst")
	writeFile(t, local, "x")

	up := &flakyUploader{fails: 100}
	m := NewMirror(up, dataDir, "", Options{MaxAttempts: 3, Backoff: func(int) time.Duration { return 0 }}, nil)
	m.Enqueue(local)
	m.Close()

	if up.calls != 3 {
		t.Fatalf("calls=%d", up.calls)
	}
	if st := m.Stats(); st.UploadFailTotal != 1 || st.LastErrorUnix == 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_RejectsPathsOutsideDataDir(t *testing.T) {
	dataDir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "elsewhere.snap.zst")
	writeFile(t, outside, "x")

	up := &flakyUploader{}
	m := NewMirror(up, dataDir, "", Options{}, nil)
	m.Enqueue(outside)
	m.Enqueue(filepath.Join(dataDir, "missing.snap.zst"))
	m.Close()

	if up.calls != 0 {
		t.Fatalf("uploaded %v", up.keys)
	}
	if st := m.Stats(); st.UploadFailTotal != 2 || st.EnqueuedTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

type blockingUploader struct{ release chan struct{} }

func (b blockingUploader) PutFile(context.Context, string, string) error {
	<-b.release
	return nil
}

func TestMirror_DropsWhenSaturated(t *testing.T) {
	dataDir := t.TempDir()
	local := filepath.Join(dataDir, "a.snap.zst")
	writeFile(t, local, "x")

	up := blockingUploader{release: make(chan struct{})}
	m := NewMirror(up, dataDir, "", Options{QueueCapacity: 1, EnqueueWait: time.Millisecond}, nil)
	// One in flight (eventually), one queued, the rest overflow.
	for i := 0; i < 5; i++ {
		m.Enqueue(local)
	}
	st := m.Stats()
	close(up.release)
	m.Close()

	if st.DroppedTotal < 3 || st.QueueSaturatedTotal < st.DroppedTotal {
		t.Fatalf("stats=%+v", st)
	}
	if final := m.Stats(); final.DroppedTotal+final.UploadSuccessTotal != 5 {
		t.Fatalf("final=%+v", final)
	}
}

func TestMirror_NilIsNoop(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if st := m.Stats(); st != (Stats{}) {
		t.Fatalf("stats=%+v", st)
	}
}
