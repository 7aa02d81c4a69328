package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/dirkpetersen/web-term/internal/audit"
	"github.com/dirkpetersen/web-term/internal/files"
	"github.com/dirkpetersen/web-term/internal/logutil"
	"github.com/dirkpetersen/web-term/internal/middleware"
	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/pkg/sftp"
)

// MaxUploadSize bounds one upload request body.
const MaxUploadSize = 1 << 30

func fileStatus(err error) int {
	switch {
	case errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, files.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, files.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, files.ErrIsDirectory), errors.Is(err, files.ErrNotDirectory), errors.Is(err, files.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fileTransfer returns the session's SFTP handle or writes an error.
func fileTransfer(w http.ResponseWriter, r *http.Request) (*session.Session, *sftp.Client, bool) {
	s := middleware.GetSession(r)
	if s == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil, nil, false
	}
	c, err := s.FileTransfer()
	if err != nil {
		log.Printf("[files] %s: sftp unavailable: %v", s.Tag, err)
		writeError(w, http.StatusBadGateway, "File transfer unavailable")
		return nil, nil, false
	}
	return s, c, true
}

func auditFileOp(r *http.Request, s *session.Session, details string) {
	auditLog(r, audit.AuditEntry{
		SessionTag: s.Tag,
		Username:   s.Username,
		EventType:  audit.EventFileOperation,
		Details:    details,
	})
}

func BrowseFiles(w http.ResponseWriter, r *http.Request) {
	s, c, ok := fileTransfer(w, r)
	if !ok {
		return
	}

	start := time.Now()
	dir, entries, err := files.List(c, r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, fileStatus(err), fmt.Sprintf("Failed to list directory: %v", err))
		return
	}
	log.Printf("[files] BrowseFiles session=%s path=%s entries=%d duration=%s", s.Tag, logutil.SanitizeForLog(dir), len(entries), time.Since(start))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    dir,
		"parent":  path.Dir(dir),
		"entries": entries,
	})
}

func DownloadFile(w http.ResponseWriter, r *http.Request) {
	filePath := r.URL.Query().Get("path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "path parameter required")
		return
	}
	s, c, ok := fileTransfer(w, r)
	if !ok {
		return
	}

	rc, fi, err := files.Open(c, filePath)
	if err != nil {
		writeError(w, fileStatus(err), fmt.Sprintf("Failed to download file: %v", err))
		return
	}
	defer rc.Close()

	auditFileOp(r, s, fmt.Sprintf("op=download, path=%s, size=%d", filePath, fi.Size()))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": fi.Name()}))
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, fi.Name(), fi.ModTime(), rs)
		return
	}
	io.Copy(w, rc)
}

// UploadFile streams the multipart "file" part into the directory named by
// ?path. An existing file is replaced unless ?overwrite=0.
func UploadFile(w http.ResponseWriter, r *http.Request) {
	dirPath := r.URL.Query().Get("path")
	noClobber := r.URL.Query().Get("overwrite") == "0"

	s, c, ok := fileTransfer(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "file field required")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		start := time.Now()
		target, n, err := files.Upload(c, dirPath, part.FileName(), part, noClobber)
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
				return
			}
			writeError(w, fileStatus(err), fmt.Sprintf("Failed to upload file: %v", err))
			return
		}
		log.Printf("[files] UploadFile session=%s path=%s size=%d duration=%s", s.Tag, logutil.SanitizeForLog(target), n, time.Since(start))
		auditFileOp(r, s, fmt.Sprintf("op=upload, path=%s, size=%d", target, n))

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"path":     target,
			"filename": path.Base(target),
			"size":     n,
		})
		return
	}
}

func CreateDirectory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s, c, ok := fileTransfer(w, r)
	if !ok {
		return
	}

	dir, err := files.Mkdir(c, body.Path)
	if err != nil {
		writeError(w, fileStatus(err), fmt.Sprintf("Failed to create directory: %v", err))
		return
	}
	auditFileOp(r, s, fmt.Sprintf("op=mkdir, path=%s", dir))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"path":    dir,
	})
}
