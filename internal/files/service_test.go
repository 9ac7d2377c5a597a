package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavel-fokin/files-relay/internal/relay"
)

// memRegistry is an in-memory Registry. Load sleeps after reading to widen
// the read-modify-write window.
type memRegistry struct {
	mu          sync.Mutex
	records     []Record
	delay       time.Duration
	failReplace error
	replaces    int
}

func (m *memRegistry) Load(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	records := slices.Clone(m.records)
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (m *memRegistry) Replace(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReplace != nil {
		return m.failReplace
	}
	m.records = slices.Clone(records)
	m.replaces++
	return nil
}

func (m *memRegistry) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.records))
	for _, r := range m.records {
		names = append(names, r.Name)
	}
	return names
}

func (m *memRegistry) setFailReplace(err error) {
	m.mu.Lock()
	m.failReplace = err
	m.mu.Unlock()
}

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots [][]Record
}

func (n *recordingNotifier) Publish(records []Record) {
	n.mu.Lock()
	n.snapshots = append(n.snapshots, records)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

func upload(name, content string) *UploadRequest {
	return &UploadRequest{
		Name:        name,
		ContentType: "application/octet-stream",
		Size:        int64(len(content)),
		Owner:       23,
		Body:        strings.NewReader(content),
	}
}

func requireEmpty(t *testing.T, reg *memRegistry) {
	t.Helper()
	require.Eventually(t, func() bool { return len(reg.names()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestConcurrentUploadsLoseNothing(t *testing.T) {
	reg := &memRegistry{delay: time.Millisecond}
	svc := NewService(reg)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Upload(context.Background(), upload(fmt.Sprintf("file-%02d.bin", i), "x"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	names := reg.names()
	slices.Sort(names)
	require.Len(t, names, n)
	for i, name := range names {
		assert.Equal(t, fmt.Sprintf("file-%02d.bin", i), name)
	}
}

func TestConcurrentDuplicateUpload(t *testing.T) {
	reg := &memRegistry{delay: time.Millisecond}
	svc := NewService(reg)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := svc.Upload(context.Background(), upload("dup.bin", "x"))
			errs <- err
		}()
	}

	var ok, conflicts int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, []string{"dup.bin"}, reg.names())
}

func TestRelayReportScenario(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg)
	content := strings.Repeat("r", 1000)

	_, err := svc.Upload(context.Background(), upload("report.pdf", content))
	require.NoError(t, err)

	list, err := svc.List(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "report.pdf", list[0].Name)
	assert.Equal(t, int64(1000), list[0].Size)

	tr, record, err := svc.Download(context.Background(), &DownloadRequest{Name: "report.pdf", Device: 42})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", record.ContentType)

	var dst bytes.Buffer
	n, err := svc.Relay(context.Background(), tr, &dst)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, content, dst.String())
	assert.Equal(t, relay.StateCompleted, tr.State())

	requireEmpty(t, reg)
	require.Eventually(t, func() bool { return len(svc.Transfers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDownloadPasswordScenario(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg)

	req := upload("secret.txt", "top secret")
	req.Password = "abc"
	_, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)

	_, _, err = svc.Download(context.Background(), &DownloadRequest{Name: "secret.txt"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, wrongErr := svc.Download(context.Background(), &DownloadRequest{Name: "secret.txt", Password: "abd"})
	_, _, missingErr := svc.Download(context.Background(), &DownloadRequest{Name: "nothing.txt", Password: "abd"})
	assert.ErrorIs(t, wrongErr, ErrUnauthorized)
	assert.Equal(t, wrongErr, missingErr, "wrong password and missing file look the same")

	tr, _, err := svc.Download(context.Background(), &DownloadRequest{Name: "secret.txt", Password: "abc"})
	require.NoError(t, err)

	var dst bytes.Buffer
	_, err = svc.Relay(context.Background(), tr, &dst)
	require.NoError(t, err)
	assert.Equal(t, "top secret", dst.String())

	requireEmpty(t, reg)
}

func TestDownloadNotFound(t *testing.T) {
	svc := NewService(&memRegistry{})

	_, _, err := svc.Download(context.Background(), &DownloadRequest{Name: "missing.txt"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadClaimIsOneShot(t *testing.T) {
	svc := NewService(&memRegistry{})

	pr, pw := io.Pipe()
	defer pw.Close()
	_, err := svc.Upload(context.Background(), &UploadRequest{
		Name: "once.bin", ContentType: "application/octet-stream", Size: 10, Body: pr,
	})
	require.NoError(t, err)

	_, _, err = svc.Download(context.Background(), &DownloadRequest{Name: "once.bin"})
	require.NoError(t, err)

	_, _, err = svc.Download(context.Background(), &DownloadRequest{Name: "once.bin"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadRespectsVisibility(t *testing.T) {
	svc := NewService(&memRegistry{})

	req := upload("private.txt", "x")
	req.Owner = 5
	req.Devices = []Device{7}
	_, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)

	list, err := svc.List(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = svc.Download(context.Background(), &DownloadRequest{Name: "private.txt", Device: 42})
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = svc.Download(context.Background(), &DownloadRequest{Name: "private.txt", Device: 7})
	assert.NoError(t, err)
}

type brokenWriter struct {
	limit   int
	written int
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		n := w.limit - w.written
		w.written = w.limit
		return n, errors.New("broken pipe")
	}
	w.written += len(p)
	return len(p), nil
}

func TestDownloaderDisconnectTerminatesUpload(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg, WithBufferSize(100))

	pr, pw := io.Pipe()
	tr, err := svc.Upload(context.Background(), &UploadRequest{
		Name:        "big.bin",
		ContentType: "application/octet-stream",
		Size:        1000,
		Body:        pr,
		Interrupt:   func() { pr.CloseWithError(errors.New("interrupted")) },
	})
	require.NoError(t, err)

	uploaderErr := make(chan error, 1)
	go func() {
		_, err := pw.Write(bytes.Repeat([]byte("u"), 1000))
		uploaderErr <- err
	}()

	claimed, _, err := svc.Download(context.Background(), &DownloadRequest{Name: "big.bin"})
	require.NoError(t, err)
	require.Same(t, tr, claimed)

	n, err := svc.Relay(context.Background(), claimed, &brokenWriter{limit: 400})
	assert.ErrorIs(t, err, ErrStream)
	assert.Equal(t, int64(400), n)

	select {
	case err := <-uploaderErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("uploader still blocked after downloader left")
	}

	assert.Equal(t, relay.StateAborted, tr.State())
	requireEmpty(t, reg)
}

func TestUploadStorageFailureRollsBack(t *testing.T) {
	reg := &memRegistry{failReplace: errors.New("disk full")}
	svc := NewService(reg)

	_, err := svc.Upload(context.Background(), upload("a.txt", "a"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Empty(t, svc.Transfers(), "no relay entry survives a failed write")

	reg.setFailReplace(nil)
	_, err = svc.Upload(context.Background(), upload("a.txt", "a"))
	assert.NoError(t, err, "the name is free again")
}

func TestUploadValidation(t *testing.T) {
	svc := NewService(&memRegistry{}, WithMaxSize(100))

	tests := []struct {
		name    string
		mutate  func(r *UploadRequest)
		wantErr error
	}{
		{name: "empty name", mutate: func(r *UploadRequest) { r.Name = "" }, wantErr: ErrInvalidInput},
		{name: "path in name", mutate: func(r *UploadRequest) { r.Name = "../etc/passwd" }, wantErr: ErrInvalidInput},
		{name: "negative size", mutate: func(r *UploadRequest) { r.Size = -1 }, wantErr: ErrInvalidInput},
		{name: "missing content type", mutate: func(r *UploadRequest) { r.ContentType = "" }, wantErr: ErrInvalidInput},
		{name: "malformed content type", mutate: func(r *UploadRequest) { r.ContentType = "text/" }, wantErr: ErrInvalidInput},
		{name: "no body", mutate: func(r *UploadRequest) { r.Body = nil }, wantErr: ErrInvalidInput},
		{name: "too large", mutate: func(r *UploadRequest) { r.Size = 101 }, wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := upload("valid.txt", "x")
			tt.mutate(req)
			_, err := svc.Upload(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, svc.Transfers())
}

func TestUploadPendingQuota(t *testing.T) {
	svc := NewService(&memRegistry{}, WithMaxPending(10))

	_, err := svc.Upload(context.Background(), upload("a.bin", strings.Repeat("a", 6)))
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), upload("b.bin", strings.Repeat("b", 6)))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = svc.Upload(context.Background(), upload("c.bin", strings.Repeat("c", 4)))
	assert.NoError(t, err)
}

func TestDeleteOwnership(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg, WithAdminDevice(1))

	req := upload("mine.txt", "x")
	req.Owner = 5
	tr, err := svc.Upload(context.Background(), req)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(context.Background(), "mine.txt", 6, false), ErrNotFound)
	assert.ErrorIs(t, svc.Delete(context.Background(), "other.txt", 5, false), ErrNotFound)

	require.NoError(t, svc.Delete(context.Background(), "mine.txt", 5, false))
	assert.Empty(t, reg.names())

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("deleted transfer still open")
	}
	assert.ErrorIs(t, tr.Err(), relay.ErrAborted)
	require.Eventually(t, func() bool { return len(svc.Transfers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDeleteByAdmin(t *testing.T) {
	tests := []struct {
		name   string
		device Device
		admin  bool
	}{
		{name: "admin device", device: 1},
		{name: "admin token", device: 99, admin: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &memRegistry{}
			svc := NewService(reg)
			req := upload("a.txt", "x")
			req.Owner = 5
			_, err := svc.Upload(context.Background(), req)
			require.NoError(t, err)

			assert.NoError(t, svc.Delete(context.Background(), "a.txt", tt.device, tt.admin))
			assert.Empty(t, reg.names())
		})
	}
}

func TestPendingTimeoutWithdrawsUpload(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg, WithPendingTimeout(20*time.Millisecond))

	tr, err := svc.Upload(context.Background(), upload("late.txt", "x"))
	require.NoError(t, err)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pending upload was never withdrawn")
	}
	assert.ErrorIs(t, tr.Err(), relay.ErrAborted)
	requireEmpty(t, reg)
}

func TestShutdown(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg)

	tr, err := svc.Upload(context.Background(), upload("a.txt", "x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.Equal(t, relay.StateAborted, tr.State())
	assert.Empty(t, reg.names())

	_, err = svc.Upload(context.Background(), upload("b.txt", "x"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestShutdownForcesAttachedTransfers(t *testing.T) {
	reg := &memRegistry{}
	svc := NewService(reg)

	pr, pw := io.Pipe()
	defer pw.Close()
	_, err := svc.Upload(context.Background(), &UploadRequest{
		Name: "stuck.bin", ContentType: "application/octet-stream", Size: 10, Body: pr,
		Interrupt: func() { pr.CloseWithError(errors.New("interrupted")) },
	})
	require.NoError(t, err)

	tr, _, err := svc.Download(context.Background(), &DownloadRequest{Name: "stuck.bin"})
	require.NoError(t, err)
	relayed := make(chan error, 1)
	go func() {
		_, err := svc.Relay(context.Background(), tr, io.Discard)
		relayed <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, <-relayed, ErrStream)
	assert.Empty(t, reg.names())
}

func TestStartPrunesStaleRecords(t *testing.T) {
	reg := &memRegistry{records: []Record{{ID: "old", Name: "left-over.txt"}}}
	svc := NewService(reg)

	require.NoError(t, svc.Start(context.Background()))
	assert.Empty(t, reg.names())

	_, err := svc.Upload(context.Background(), upload("left-over.txt", "x"))
	assert.NoError(t, err)
}

func TestNotifierSeesEverySnapshot(t *testing.T) {
	notifier := &recordingNotifier{}
	reg := &memRegistry{}
	svc := NewService(reg, WithNotifier(notifier))

	_, err := svc.Upload(context.Background(), upload("a.txt", "a"))
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), "a.txt", 23, false))

	assert.Equal(t, 2, notifier.count())
}
