package downloadcache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-tbviewer/pkg/fsprovider"
	"github.com/paulschiretz/pgl-tbviewer/pkg/plog"
	"github.com/paulschiretz/pgl-tbviewer/pkg/pool"
)

func newMemory(t *testing.T) *fsprovider.MemoryProvider {
	t.Helper()
	return fsprovider.NewMemoryProvider(pool.NewFixedBufferPool(1024))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestEnsureLocal_Idempotent(t *testing.T) {
	mem := newMemory(t)
	mem.Put("runs/exp1/events.out.tfevents.1", []byte("abc"))
	metrics := &CacheMetrics{}
	c := New(Options{Metrics: metrics})
	ctx := context.Background()

	uri := "memory://runs/exp1/events.out.tfevents.1"
	dest := filepath.Join(t.TempDir(), "exp1", "events.out.tfevents.1")

	for i := range 3 {
		got, err := c.EnsureLocal(ctx, uri, dest, mem)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if got != dest {
			t.Errorf("expected %s, got %s", dest, got)
		}
	}

	if got := mem.DownloadCalls(); got != 1 {
		t.Errorf("expected exactly one transfer, got %d", got)
	}
	if got := mem.SizeCalls(); got != 3 {
		t.Errorf("expected a size lookup on every call, got %d", got)
	}
	if metrics.Hits.Load() != 2 || metrics.Misses.Load() != 1 || metrics.BytesDownloaded.Load() != 3 {
		t.Errorf("unexpected metrics: hits=%d misses=%d bytes=%d",
			metrics.Hits.Load(), metrics.Misses.Load(), metrics.BytesDownloaded.Load())
	}
	if readFile(t, dest) != "abc" {
		t.Error("unexpected local content")
	}
}

func TestEnsureLocal_SizeChangeTriggersDownload(t *testing.T) {
	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("v1"))
	c := New(Options{})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "a.tfevents")

	if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); err != nil {
		t.Fatal(err)
	}

	// Same size, different content: not detected.
	mem.Put("r/a.tfevents", []byte("v2"))
	if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); err != nil {
		t.Fatal(err)
	}
	if readFile(t, dest) != "v1" {
		t.Error("same-size change must not trigger a transfer")
	}

	mem.Put("r/a.tfevents", []byte("v2 grown"))
	if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, dest); got != "v2 grown" {
		t.Errorf("expected re-download after size change, got %q", got)
	}
	if got := mem.DownloadCalls(); got != 2 {
		t.Errorf("expected 2 transfers, got %d", got)
	}
}

func TestEnsureLocal_DestinationIsPartOfIdentity(t *testing.T) {
	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("x"))
	c := New(Options{})
	ctx := context.Background()
	dir := t.TempDir()

	for _, dest := range []string{filepath.Join(dir, "one"), filepath.Join(dir, "two")} {
		if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); err != nil {
			t.Fatal(err)
		}
	}
	if got := mem.DownloadCalls(); got != 2 {
		t.Errorf("expected one transfer per destination, got %d", got)
	}
	if !c.Contains(Record{URI: "memory://r/a.tfevents", Dest: filepath.Join(dir, "two"), Size: 1}) {
		t.Error("expected record for second destination")
	}
}

func TestEnsureLocal_FailureIsNotRemembered(t *testing.T) {
	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("abc"))
	boom := errors.New("connection reset")
	mem.FailDownloads("r/a.tfevents", boom)
	c := New(Options{})
	ctx := context.Background()
	dest := filepath.Join(t.TempDir(), "a.tfevents")

	if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); !errors.Is(err, boom) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("failed transfer must not be recorded")
	}

	mem.FailDownloads("r/a.tfevents", nil)
	if _, err := c.EnsureLocal(ctx, "memory://r/a.tfevents", dest, mem); err != nil {
		t.Fatalf("expected success after fault cleared, got %v", err)
	}
	if got := mem.DownloadCalls(); got != 2 {
		t.Errorf("expected the transfer to be attempted again, got %d calls", got)
	}
}

func TestEnsureLocal_MissingFile(t *testing.T) {
	c := New(Options{Retries: 3})
	mem := newMemory(t)
	_, err := c.EnsureLocal(context.Background(), "memory://nope", filepath.Join(t.TempDir(), "x"), mem)
	if !errors.Is(err, fsprovider.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := mem.SizeCalls(); got != 1 {
		t.Errorf("missing files must not be retried, got %d size lookups", got)
	}
}

func TestEnsureLocal_Retries(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("abc"))
	mem.FailDownloads("r/a.tfevents", errors.New("flaky"))

	metrics := &CacheMetrics{}
	c := New(Options{Retries: 2, RetryWait: time.Second, Metrics: metrics})
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 2 {
			mem.FailDownloads("r/a.tfevents", nil)
		}
		return nil
	}

	dest := filepath.Join(t.TempDir(), "a.tfevents")
	if _, err := c.EnsureLocal(context.Background(), "memory://r/a.tfevents", dest, mem); err != nil {
		t.Fatalf("expected success on the last attempt, got %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Second {
		t.Errorf("expected two one-second waits, got %v", waits)
	}
	if metrics.Retries.Load() != 2 {
		t.Errorf("expected 2 retries recorded, got %d", metrics.Retries.Load())
	}
	if !strings.Contains(logBuf.String(), "Retrying download") {
		t.Errorf("expected retry warning in log, got: %s", logBuf.String())
	}
}

func TestEnsureLocal_EvictionForcesTransfer(t *testing.T) {
	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("a"))
	mem.Put("r/b.tfevents", []byte("b"))
	c := New(Options{Capacity: 1})
	ctx := context.Background()
	dir := t.TempDir()

	for _, name := range []string{"a", "b", "a"} {
		uri := "memory://r/" + name + ".tfevents"
		if _, err := c.EnsureLocal(ctx, uri, filepath.Join(dir, name), mem); err != nil {
			t.Fatal(err)
		}
	}
	if got := mem.DownloadCalls(); got != 3 {
		t.Errorf("expected evicted record to be downloaded again, got %d transfers", got)
	}
}

func TestEnsureLocal_LogTokens(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	plog.SetLevel(plog.LevelDebug)
	t.Cleanup(func() {
		plog.SetOutput(os.Stderr)
		plog.SetLevel(plog.LevelInfo)
	})

	mem := newMemory(t)
	mem.Put("r/a.tfevents", []byte("a"))
	c := New(Options{})
	dest := filepath.Join(t.TempDir(), "a")
	for range 2 {
		if _, err := c.EnsureLocal(context.Background(), "memory://r/a.tfevents", dest, mem); err != nil {
			t.Fatal(err)
		}
	}

	out := logBuf.String()
	if !strings.Contains(out, "msg=GET") || !strings.Contains(out, "msg=HIT") {
		t.Errorf("expected GET and HIT log lines, got: %s", out)
	}
}

func TestCacheMetrics_LogSummary(t *testing.T) {
	var logBuf bytes.Buffer
	plog.SetOutput(&logBuf)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	m := &CacheMetrics{}
	m.AddHits(4)
	m.AddMisses(1)
	m.AddBytesDownloaded(2048)
	m.LogSummary("Download cache")

	out := logBuf.String()
	for _, want := range []string{`msg="Download cache"`, "hits=4", "misses=1", `downloaded="2.0 KiB"`, "retries=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output, got: %s", want, out)
		}
	}
}
