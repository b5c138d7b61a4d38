package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/matheus3301/tgb/internal/bus"
	"github.com/matheus3301/tgb/internal/store"
	"github.com/matheus3301/tgb/internal/tg"
)

type fakeBlob struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int

	// gate, when set, blocks FetchBlob until closed.
	gate chan struct{}
}

func (f *fakeBlob) FetchBlob(ctx context.Context, ref tg.FileRef, size int64, w io.Writer) error {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	data, err := f.data, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	_, werr := w.Write(data)
	return werr
}

func testFetcher(t *testing.T, blob *fakeBlob) (*Fetcher, *store.DB, string) {
	t.Helper()
	base := t.TempDir()
	db, err := store.Open(filepath.Join(base, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := filepath.Join(base, "media")
	return NewFetcher(db, blob, bus.New(), zap.NewNop(), dir, 2), db, dir
}

func seedMedia(t *testing.T, db *store.DB, chatID, msgID int64, name string, size int64) {
	t.Helper()
	if err := db.UpsertChat(&store.Chat{ChatID: chatID}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{
		ChatID: chatID, MessageID: msgID, Timestamp: msgID * 1000,
		HasMedia: true, MediaType: store.MediaDocument,
		FileID: "777", FileAccessHash: 1, FileName: name, FileSize: size,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDownload(t *testing.T) {
	payload := []byte("file contents here")
	blob := &fakeBlob{data: payload}
	f, db, dir := testFetcher(t, blob)
	seedMedia(t, db, 10, 20, "report.pdf", int64(len(payload)))

	path, err := f.Download(context.Background(), 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "10", "20", "report.pdf")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Error("file contents differ from payload")
	}

	m, _ := db.GetMessage(10, 20)
	if m.LocalPath != path {
		t.Errorf("local_path = %q, want %q", m.LocalPath, path)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir holds %d entries, want only the final file", len(entries))
	}
}

func TestDownloadShortCircuitsWhenFileExists(t *testing.T) {
	payload := []byte("cached")
	blob := &fakeBlob{data: payload}
	f, db, _ := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "a.bin", int64(len(payload)))

	first, err := f.Download(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.Download(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("paths differ: %q vs %q", first, second)
	}
	if blob.calls != 1 {
		t.Errorf("remote calls = %d, want 1 (second download must short-circuit)", blob.calls)
	}
}

func TestDownloadRefetchesWhenFileMissing(t *testing.T) {
	payload := []byte("data")
	blob := &fakeBlob{data: payload}
	f, db, _ := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "a.bin", int64(len(payload)))

	path, err := f.Download(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Someone deleted the file from disk; local_path is stale.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Download(context.Background(), 1, 2); err != nil {
		t.Fatal(err)
	}
	if blob.calls != 2 {
		t.Errorf("remote calls = %d, want 2 (stale path must refetch)", blob.calls)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file not restored: %v", err)
	}
}

func TestDownloadErrors(t *testing.T) {
	blob := &fakeBlob{data: []byte("x")}
	f, db, _ := testFetcher(t, blob)
	if err := db.UpsertChat(&store.Chat{ChatID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&store.Message{ChatID: 1, MessageID: 5, Body: "text only", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Download(context.Background(), 1, 404); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("missing message err = %v, want ErrUnknownMessage", err)
	}
	if _, err := f.Download(context.Background(), 1, 5); !errors.Is(err, ErrNoMedia) {
		t.Errorf("text message err = %v, want ErrNoMedia", err)
	}
}

func TestDownloadInFlightConflict(t *testing.T) {
	gate := make(chan struct{})
	blob := &fakeBlob{data: []byte("slow"), gate: gate}
	f, db, _ := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "a.bin", 4)

	done := make(chan error, 1)
	go func() {
		_, err := f.Download(context.Background(), 1, 2)
		done <- err
	}()

	// Wait until the first download is inside the transfer.
	for {
		blob.mu.Lock()
		started := blob.calls > 0
		blob.mu.Unlock()
		if started {
			break
		}
	}

	_, err := f.Download(context.Background(), 1, 2)
	if !errors.Is(err, ErrDownloadInFlight) {
		t.Errorf("concurrent download err = %v, want ErrDownloadInFlight", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first download failed: %v", err)
	}

	// Lease released: the message is downloadable again (and cached).
	if _, err := f.Download(context.Background(), 1, 2); err != nil {
		t.Errorf("download after completion failed: %v", err)
	}
}

func TestDownloadFailureCleansUpAndAllowsRetry(t *testing.T) {
	blob := &fakeBlob{err: errors.New("connection reset")}
	f, db, dir := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "a.bin", 4)

	if _, err := f.Download(context.Background(), 1, 2); err == nil {
		t.Fatal("expected transfer failure")
	}

	// local_path untouched, no partial files anywhere under the dir.
	m, _ := db.GetMessage(1, 2)
	if m.LocalPath != "" {
		t.Errorf("local_path = %q, want empty after failure", m.LocalPath)
	}
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && d != nil && !d.IsDir() {
			t.Errorf("leftover file %q after failed download", path)
		}
		return nil
	})

	// Retry succeeds once the remote recovers.
	blob.mu.Lock()
	blob.err = nil
	blob.data = []byte("okay")
	blob.mu.Unlock()

	path, err := f.Download(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("retried download missing on disk: %v", err)
	}
}

func TestDownloadSizeMismatch(t *testing.T) {
	blob := &fakeBlob{data: []byte("too short")}
	f, db, _ := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "a.bin", 9999)

	_, err := f.Download(context.Background(), 1, 2)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
	if !errors.Is(err, tg.ErrDownloadIncomplete) {
		t.Errorf("err = %v, want tg.ErrDownloadIncomplete", err)
	}
	m, _ := db.GetMessage(1, 2)
	if m.LocalPath != "" {
		t.Errorf("local_path = %q, want empty after size mismatch", m.LocalPath)
	}
}

func TestDownloadNamespacesIdenticalNames(t *testing.T) {
	blob := &fakeBlob{data: []byte("abcd")}
	f, db, _ := testFetcher(t, blob)
	seedMedia(t, db, 1, 2, "invoice.pdf", 4)
	seedMedia(t, db, 1, 3, "invoice.pdf", 4)

	p1, err := f.Download(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.Download(context.Background(), 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Errorf("identical file names collided at %q", p1)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"a/b/c.txt", "c.txt"},
		{`a\b\c.txt`, "c.txt"},
		{"we:ird*name?.txt", "we_ird_name_.txt"},
		{"..", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
