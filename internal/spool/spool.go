// Package spool manages the tenant-scoped temp files multipart uploads
// are streamed to before being forwarded upstream, so a slow client
// streaming a large body pins disk rather than an oversized in-memory
// buffer. Every file the Manager creates is removed by the caller's
// deferred cleanup, success or failure.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Manager owns the root upload spool directory.
type Manager struct {
	root string
}

// New builds a Manager rooted at root (e.g. "<cwd>/uploads"). The root
// and its per-tenant subdirectories are created lazily on first use.
func New(root string) *Manager {
	return &Manager{root: root}
}

// File is a spooled upload: the open handle plus the path it was
// created at, so the caller can re-open for reading after writing, or
// just reuse the handle directly.
type File struct {
	*os.File
	Path string
}

// Create opens a new spool file for tenantID with the given extension
// (including the leading dot, e.g. ".png"). Callers must defer f.Cleanup()
// regardless of outcome.
func (m *Manager) Create(tenantID, ext string) (*File, error) {
	dir := filepath.Join(m.root, tenantID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: creating tenant directory: %w", err)
	}

	path := filepath.Join(dir, uuid.New().String()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spool: creating spool file: %w", err)
	}
	return &File{File: f, Path: path}, nil
}

// Cleanup closes the handle and removes the file. Safe to call more than
// once and safe to call after an error already closed the handle.
func (f *File) Cleanup() {
	if f == nil {
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Path)
}

// Spool copies src into a fresh spool file for tenantID, enforcing
// maxBytes, and returns the spooled file positioned at offset 0 ready
// for reading. The caller owns the returned file and must call Cleanup.
func (m *Manager) Spool(tenantID, ext string, src io.Reader, maxBytes int64) (*File, error) {
	f, err := m.Create(tenantID, ext)
	if err != nil {
		return nil, err
	}

	limited := io.LimitReader(src, maxBytes+1)
	written, err := io.Copy(f, limited)
	if err != nil {
		f.Cleanup()
		return nil, fmt.Errorf("spool: writing upload: %w", err)
	}
	if written > maxBytes {
		f.Cleanup()
		return nil, ErrTooLarge
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Cleanup()
		return nil, fmt.Errorf("spool: rewinding upload: %w", err)
	}
	return f, nil
}

// ErrTooLarge is returned when the spooled stream exceeds maxBytes.
// Callers translate this into envelope.PayloadTooLarge.
var ErrTooLarge = fmt.Errorf("spool: upload exceeds size limit")
