package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/pavel-fokin/files-relay/internal/files"
	"github.com/pavel-fokin/files-relay/internal/relay"
)

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func listFiles(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		device := files.DeviceFromAddr(r.RemoteAddr)

		records, err := fileService.List(r.Context(), device)
		if err != nil {
			slog.Error("List files failed", "error", err)
			writeError(w, err)
			return
		}

		infos := make([]files.Info, 0, len(records))
		for i := range records {
			infos = append(infos, records[i].Info())
		}
		writeJSON(w, http.StatusOK, infos)
	}
}

// uploadFile registers the request body as a pending file and holds the
// connection until a downloader has consumed it.
func uploadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		query := r.URL.Query()

		// Without the header net/http reports a zero length; chunked bodies
		// report -1. Both are refused.
		if r.Header.Get("Content-Length") == "" || r.ContentLength < 0 {
			writeError(w, fmt.Errorf("%w: Content-Length required", files.ErrInvalidInput))
			return
		}
		devices, err := files.ParseDevices(query.Get("devices"))
		if err != nil {
			writeError(w, err)
			return
		}

		rc := http.NewResponseController(w)
		t, err := fileService.Upload(r.Context(), &files.UploadRequest{
			Name:        name,
			ContentType: r.Header.Get("Content-Type"),
			Size:        r.ContentLength,
			Password:    query.Get("password"),
			Owner:       files.DeviceFromAddr(r.RemoteAddr),
			Devices:     devices,
			Body:        r.Body,
			Interrupt: func() {
				if err := rc.SetReadDeadline(time.Now()); err != nil {
					slog.Warn("Failed to interrupt upload", "file_name", name, "error", err)
				}
			},
		})
		if err != nil {
			slog.Error("Upload failed", "error", err, "file_name", name)
			writeError(w, err)
			return
		}

		select {
		case <-t.Done():
		case <-r.Context().Done():
			t.Abort(fmt.Errorf("%w: uploader gone: %w", relay.ErrStream, r.Context().Err()))
		}
		// The downloader may still be reading r.Body.
		<-t.Released()

		if err := t.Err(); err != nil {
			if !t.Claimed() {
				http.Error(w, err.Error(), http.StatusGone)
				return
			}
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func downloadFile(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		query := r.URL.Query()

		t, record, err := fileService.Download(r.Context(), &files.DownloadRequest{
			Name:     name,
			Password: query.Get("password"),
			Device:   files.DeviceFromAddr(r.RemoteAddr),
		})
		if err != nil {
			slog.Info("Download refused", "error", err, "file_name", name)
			writeError(w, err)
			return
		}

		// Set response headers
		w.Header().Set("Content-Type", record.ContentType)
		w.Header().Set("Content-Length", strconv.FormatInt(record.Size, 10))
		w.Header().Set("Last-Modified", record.CreatedAt.UTC().Format(http.TimeFormat))
		if query.Get("download") == "true" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": record.Name}))
		}
		w.WriteHeader(http.StatusOK)

		// Send headers now; the upload may be slow to produce the first bytes.
		if err := http.NewResponseController(w).Flush(); err != nil {
			slog.Debug("Failed to flush headers", "error", err, "file_name", name)
		}

		n, err := fileService.Relay(r.Context(), t, w)
		if err != nil {
			slog.Warn("Relay failed", "error", err, "file_name", name, "transfer_id", t.ID, "copied", n)
			panic(http.ErrAbortHandler)
		}
	}
}

func deleteFile(cfg *Config, fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		device := files.DeviceFromAddr(r.RemoteAddr)
		slog.Info("Deleting file", "file_name", name, "device", int(device))

		err := fileService.Delete(r.Context(), name, device, isAdmin(cfg.AdminToken, r))
		if err != nil {
			slog.Error("Delete failed", "error", err, "file_name", name)
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func listTransfers(fileService *files.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, fileService.Transfers())
	}
}

func auth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(token, r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func isAdmin(token string, r *http.Request) bool {
	if token == "" {
		return false
	}
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps service errors onto status codes. Storage failures are
// reported without their cause.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, files.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, files.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, files.ErrQuotaExceeded):
		status = http.StatusForbidden
	case errors.Is(err, files.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, files.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, files.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, files.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}
