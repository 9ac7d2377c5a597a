package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"

	"github.com/pavel-fokin/files-relay/internal/queue"
	"github.com/pavel-fokin/files-relay/internal/relay"
)

const maxNameLength = 255

var (
	errShutdown       = fmt.Errorf("%w: server shutting down", relay.ErrAborted)
	errPendingTimeout = fmt.Errorf("%w: no downloader arrived in time", relay.ErrAborted)
	errDeleted        = fmt.Errorf("%w: file deleted", relay.ErrAborted)
)

// ErrUnavailable is returned for new uploads once shutdown has begun.
var ErrUnavailable = errors.New("service unavailable")

// Service relays uploads to downloaders and keeps the registry in step
// with the live transfers.
type Service struct {
	registry Registry
	queue    *queue.Queue
	table    *relay.Table
	buffers  *relay.BufferPool
	notifier Notifier

	maxSize        int64
	maxPending     int64
	pendingTimeout time.Duration
	adminDevice    Device

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures a Service.
type Option func(s *Service)

// WithNotifier publishes every written snapshot to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithMaxSize rejects uploads larger than size bytes. Zero disables the limit.
func WithMaxSize(size int64) Option {
	return func(s *Service) {
		s.maxSize = size
	}
}

// WithMaxPending caps the total declared size of all pending uploads.
// Zero disables the limit.
func WithMaxPending(size int64) Option {
	return func(s *Service) {
		s.maxPending = size
	}
}

// WithPendingTimeout withdraws uploads that wait longer than d for a
// downloader. Zero lets them wait indefinitely.
func WithPendingTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.pendingTimeout = d
	}
}

// WithAdminDevice sets the device allowed to delete any file. Devices are
// the last byte of the caller's address, so the default 1 matches only
// addresses ending in .1 such as 192.168.1.1.
func WithAdminDevice(d Device) Option {
	return func(s *Service) {
		s.adminDevice = d
	}
}

// WithBufferSize sets the relay copy buffer size.
func WithBufferSize(size int) Option {
	return func(s *Service) {
		s.buffers = relay.NewBufferPool(size)
	}
}

// NewService creates a new file relay service
func NewService(registry Registry, opts ...Option) *Service {
	s := &Service{
		registry:    registry,
		queue:       queue.New(),
		table:       relay.NewTable(),
		buffers:     relay.NewBufferPool(relay.DefaultBufferSize),
		adminDevice: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadRequest represents a file upload request
type UploadRequest struct {
	Name        string
	ContentType string
	Size        int64
	Password    string
	Owner       Device
	Devices     []Device
	Body        io.Reader
	// Interrupt unblocks a pending read on Body.
	Interrupt func()
}

// DownloadRequest represents a file download request
type DownloadRequest struct {
	Name     string
	Password string
	Device   Device
}

// TransferStatus describes a live transfer.
type TransferStatus struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Size   int64  `json:"size"`
	Copied int64  `json:"copied"`
}

// Start prunes records left behind by a previous process. Their streams
// died with it.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Do(ctx, func() error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		live := s.pruneStale(records)
		if len(live) == len(records) {
			return nil
		}
		slog.Info("Pruning stale records", "count", len(records)-len(live))
		return s.replace(ctx, live)
	})
}

// Upload registers the upload and returns its transfer in the Open state.
// The caller must keep Body readable until the transfer is done.
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (*relay.Transfer, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t := relay.NewTransfer(req.Name, req.Size, req.Body, req.Interrupt)
	record := Record{
		ID:          t.ID,
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
		CreatedAt:   t.CreatedAt,
		Password:    req.Password,
		Owner:       req.Owner,
		Devices:     req.Devices,
	}

	registered := false
	err := s.queue.Do(ctx, func() error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		records = s.pruneStale(records)

		if err := s.table.Register(t); err != nil {
			return fmt.Errorf("%w: %q", ErrConflict, req.Name)
		}
		if s.maxPending > 0 && pendingBytes(records)+req.Size > s.maxPending {
			s.table.Remove(t)
			return fmt.Errorf("%w: pending uploads would exceed %s",
				ErrQuotaExceeded, humanize.Bytes(uint64(s.maxPending)))
		}
		if err := s.replace(ctx, append(records, record)); err != nil {
			s.table.Remove(t)
			return err
		}
		registered = true
		return t.Open()
	})
	if err != nil {
		t.Abort(err)
		if registered {
			// Withdrawn between the metadata write and Open.
			go s.watch(t)
		} else {
			s.wg.Done()
		}
		return nil, err
	}

	slog.Info("Upload registered", "file_name", t.Name, "transfer_id", t.ID, "size", humanize.Bytes(uint64(t.Size)))
	go s.watch(t)
	return t, nil
}

// Download authorizes the request and claims the live transfer. The
// returned transfer is Attached; pass it to Relay.
func (s *Service) Download(ctx context.Context, req *DownloadRequest) (*relay.Transfer, *Record, error) {
	var (
		t      *relay.Transfer
		record *Record
	)
	err := s.queue.Do(ctx, func() error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		if i := indexOf(records, req.Name); i >= 0 && Visible(&records[i], req.Device) {
			record = &records[i]
		}
		if record == nil {
			if req.Password != "" {
				return Authorize(nil, req.Password)
			}
			return fmt.Errorf("%w: %q", ErrNotFound, req.Name)
		}
		if err := Authorize(record, req.Password); err != nil {
			return err
		}

		if current, ok := s.table.Lookup(req.Name); !ok || current.ID != record.ID {
			return fmt.Errorf("%w: %q has no live upload", ErrNotFound, req.Name)
		}
		t, err = s.table.Claim(req.Name)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	slog.Info("Download attached", "file_name", t.Name, "transfer_id", t.ID)
	return t, record, nil
}

// Relay streams the claimed transfer into dst.
func (s *Service) Relay(ctx context.Context, t *relay.Transfer, dst io.Writer) (int64, error) {
	buf := s.buffers.Get()
	defer s.buffers.Put(buf)

	n, err := t.Pipe(ctx, dst, *buf)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStream, err)
	}
	return n, nil
}

// Delete removes a record and aborts its transfer. Only the owner, the
// admin device or an admin caller may delete; anyone else gets
// ErrNotFound.
func (s *Service) Delete(ctx context.Context, name string, device Device, admin bool) error {
	var target *relay.Transfer
	err := s.queue.Do(ctx, func() error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		i := indexOf(records, name)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		record := records[i]
		if !admin && device != record.Owner && device != s.adminDevice {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if err := s.replace(ctx, slices.Delete(records, i, i+1)); err != nil {
			return err
		}
		if t, ok := s.table.Lookup(name); ok && t.ID == record.ID {
			s.table.Remove(t)
			target = t
		}
		return nil
	})
	if err != nil {
		return err
	}

	if target != nil {
		target.Abort(errDeleted)
	}
	slog.Info("File deleted", "file_name", name, "device", int(device), "admin", admin)
	return nil
}

// List returns the records visible to device.
func (s *Service) List(ctx context.Context, device Device) ([]Record, error) {
	var visible []Record
	err := s.queue.Do(ctx, func() error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		visible = FilterVisible(records, device)
		return nil
	})
	return visible, err
}

// Transfers returns the status of every live transfer.
func (s *Service) Transfers() []TransferStatus {
	list := s.table.Transfers()
	statuses := make([]TransferStatus, 0, len(list))
	for _, t := range list {
		statuses = append(statuses, TransferStatus{
			ID:     t.ID,
			Name:   t.Name,
			State:  t.State().String(),
			Size:   t.Size,
			Copied: t.Copied(),
		})
	}
	return statuses
}

// Shutdown stops accepting uploads, withdraws every upload still waiting
// for a downloader and waits for the rest to finish. When ctx expires the
// remaining transfers are aborted.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for _, t := range s.table.Transfers() {
		t.Withdraw(errShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	for _, t := range s.table.Transfers() {
		if t.Abort(errShutdown) {
			slog.Warn("Transfer aborted by shutdown", "file_name", t.Name, "transfer_id", t.ID)
		}
	}
	<-done
	return ctx.Err()
}

// FilterVisible returns the records device may see.
func FilterVisible(records []Record, device Device) []Record {
	visible := make([]Record, 0, len(records))
	for i := range records {
		if Visible(&records[i], device) {
			visible = append(visible, records[i])
		}
	}
	return visible
}

// watch waits for t to settle and removes its record.
func (s *Service) watch(t *relay.Transfer) {
	defer s.wg.Done()

	if s.pendingTimeout > 0 {
		timer := time.NewTimer(s.pendingTimeout)
		select {
		case <-t.Done():
		case <-timer.C:
			if t.Withdraw(errPendingTimeout) {
				slog.Info("Upload withdrawn", "file_name", t.Name, "transfer_id", t.ID, "after", s.pendingTimeout)
			}
		}
		timer.Stop()
	}
	<-t.Done()

	if err := t.Err(); err != nil {
		slog.Info("Transfer aborted", "file_name", t.Name, "transfer_id", t.ID, "error", err)
	} else {
		slog.Info("Transfer completed", "file_name", t.Name, "transfer_id", t.ID, "size", humanize.Bytes(uint64(t.Size)))
	}

	if err := s.remove(t); err != nil {
		slog.Error("Failed to remove record", "file_name", t.Name, "transfer_id", t.ID, "error", err)
	}
}

// remove deletes the record of a settled transfer. A record that is
// already gone is not an error.
func (s *Service) remove(t *relay.Transfer) error {
	ctx := context.Background()
	return s.queue.Do(ctx, func() error {
		defer s.table.Remove(t)

		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		kept := slices.DeleteFunc(slices.Clone(records), func(r Record) bool { return r.ID == t.ID })
		if len(kept) == len(records) {
			return nil
		}
		return s.replace(ctx, kept)
	})
}

func (s *Service) load(ctx context.Context) ([]Record, error) {
	records, err := s.registry.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return records, nil
}

func (s *Service) replace(ctx context.Context, records []Record) error {
	if err := s.registry.Replace(ctx, records); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if s.notifier != nil {
		s.notifier.Publish(slices.Clone(records))
	}
	return nil
}

// pruneStale drops records without a live transfer.
func (s *Service) pruneStale(records []Record) []Record {
	live := make([]Record, 0, len(records))
	for _, r := range records {
		if t, ok := s.table.Lookup(r.Name); ok && t.ID == r.ID {
			live = append(live, r)
		}
	}
	return live
}

func (s *Service) validate(req *UploadRequest) error {
	if err := ValidateName(req.Name); err != nil {
		return err
	}
	if req.Size < 0 {
		return fmt.Errorf("%w: size %d", ErrInvalidInput, req.Size)
	}
	if s.maxSize > 0 && req.Size > s.maxSize {
		return fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.Bytes(uint64(req.Size)), humanize.Bytes(uint64(s.maxSize)))
	}
	if _, _, err := mime.ParseMediaType(req.ContentType); err != nil {
		return fmt.Errorf("%w: content type %q", ErrInvalidInput, req.ContentType)
	}
	if req.Body == nil {
		return fmt.Errorf("%w: no body", ErrInvalidInput)
	}
	return nil
}

// ValidateName checks that name is usable as a file name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || len(name) > maxNameLength {
		return fmt.Errorf("%w: name %q", ErrInvalidInput, name)
	}
	if strings.ContainsAny(name, `/\`) || strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: name %q", ErrInvalidInput, name)
	}
	return nil
}

func indexOf(records []Record, name string) int {
	return slices.IndexFunc(records, func(r Record) bool { return r.Name == name })
}

func pendingBytes(records []Record) int64 {
	var total int64
	for _, r := range records {
		total += r.Size
	}
	return total
}
