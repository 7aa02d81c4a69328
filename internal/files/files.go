// Package files implements the browser file panel on top of a session's
// SFTP handle: directory listing, download, upload and directory creation.
//
// Paths are remote paths for the logged-in user. An empty path or "~" means
// the SFTP working directory, which sshd sets to the user's home. Relative
// paths are resolved against it.
//
// All operations log at the [files] prefix with user-supplied paths passed
// through logutil.SanitizeForLog.
package files

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
	"github.com/pkg/sftp"
)

var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrPermission    = errors.New("permission denied")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrNotDirectory  = errors.New("path is not a directory")
	ErrInvalidName   = errors.New("invalid file name")
	ErrAlreadyExists = errors.New("file already exists")
)

// Entry is one row of a directory listing.
type Entry struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	ModTime     time.Time `json:"modTime"`
}

const (
	TypeFile      = "file"
	TypeDirectory = "directory"
	TypeSymlink   = "symlink"
)

func entryType(mode os.FileMode) string {
	switch {
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	case mode.IsDir():
		return TypeDirectory
	default:
		return TypeFile
	}
}

// translate maps SFTP status errors onto the package sentinels so handlers
// can pick a status code.
func translate(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, p, ErrNotFound)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%s %s: %w", op, p, ErrPermission)
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return fmt.Errorf("%s %s: %w", op, p, ErrNotFound)
		case sftp.ErrSSHFxPermissionDenied:
			return fmt.Errorf("%s %s: %w", op, p, ErrPermission)
		}
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

// Resolve turns a user-supplied path into an absolute remote path.
func Resolve(c *sftp.Client, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p != "" && p != "~" && !strings.HasPrefix(p, "~/") && path.IsAbs(p) {
		return path.Clean(p), nil
	}
	wd, err := c.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	switch {
	case p == "" || p == "~":
		return wd, nil
	case strings.HasPrefix(p, "~/"):
		return path.Join(wd, p[2:]), nil
	default:
		return path.Join(wd, p), nil
	}
}

// List returns the entries of dir, directories first, then by name.
func List(c *sftp.Client, dir string) (string, []Entry, error) {
	start := time.Now()
	abs, err := Resolve(c, dir)
	if err != nil {
		return "", nil, err
	}
	infos, err := c.ReadDir(abs)
	if err != nil {
		return abs, nil, translate("list", abs, err)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, Entry{
			Name:        fi.Name(),
			Type:        entryType(fi.Mode()),
			Size:        fi.Size(),
			Permissions: fi.Mode().String(),
			ModTime:     fi.ModTime().UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Type == TypeDirectory, entries[j].Type == TypeDirectory
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})

	log.Printf("[files] List %s entries=%d duration=%s", logutil.SanitizeForLog(abs), len(entries), time.Since(start))
	return abs, entries, nil
}

// Open opens a regular file for download. The caller closes the reader.
func Open(c *sftp.Client, p string) (io.ReadCloser, os.FileInfo, error) {
	abs, err := Resolve(c, p)
	if err != nil {
		return nil, nil, err
	}
	fi, err := c.Stat(abs)
	if err != nil {
		return nil, nil, translate("stat", abs, err)
	}
	if fi.IsDir() {
		return nil, nil, fmt.Errorf("download %s: %w", abs, ErrIsDirectory)
	}
	f, err := c.Open(abs)
	if err != nil {
		return nil, nil, translate("open", abs, err)
	}
	log.Printf("[files] Open %s size=%d", logutil.SanitizeForLog(abs), fi.Size())
	return f, fi, nil
}

// validName rejects names that would escape the target directory.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\x00")
}

// Upload streams r into dir/name and returns the written path and size.
// An existing file is replaced unless noClobber is set.
func Upload(c *sftp.Client, dir, name string, r io.Reader, noClobber bool) (string, int64, error) {
	start := time.Now()
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if !validName(name) {
		return "", 0, fmt.Errorf("upload %q: %w", logutil.SanitizeForLog(name), ErrInvalidName)
	}
	abs, err := Resolve(c, dir)
	if err != nil {
		return "", 0, err
	}
	fi, err := c.Stat(abs)
	if err != nil {
		return "", 0, translate("stat", abs, err)
	}
	if !fi.IsDir() {
		return "", 0, fmt.Errorf("upload into %s: %w", abs, ErrNotDirectory)
	}

	target := path.Join(abs, name)
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if noClobber {
		if _, err := c.Stat(target); err == nil {
			return target, 0, fmt.Errorf("upload %s: %w", target, ErrAlreadyExists)
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := c.OpenFile(target, flags)
	if err != nil {
		return target, 0, translate("create", target, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return target, n, fmt.Errorf("write %s: %w", target, err)
	}
	log.Printf("[files] Upload %s size=%d duration=%s", logutil.SanitizeForLog(target), n, time.Since(start))
	return target, n, nil
}

// Mkdir creates p and any missing parents.
func Mkdir(c *sftp.Client, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("mkdir: %w", ErrInvalidName)
	}
	abs, err := Resolve(c, p)
	if err != nil {
		return "", err
	}
	if err := c.MkdirAll(abs); err != nil {
		return abs, translate("mkdir", abs, err)
	}
	log.Printf("[files] Mkdir %s", logutil.SanitizeForLog(abs))
	return abs, nil
}
