package backend

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"helpdesk/internal/domain"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("upload too large")

// Uploads stores message attachments on disk and names the URL they are
// served from.
type Uploads struct {
	dir       string
	urlPrefix string
	maxBytes  int64
	logger    *slog.Logger
}

func NewUploads(dir, urlPrefix string, maxBytes int64, logger *slog.Logger) (*Uploads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 * 1000 * 1000
	}
	return &Uploads{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/"), maxBytes: maxBytes, logger: logger}, nil
}

func (u *Uploads) Dir() string { return u.dir }

func (u *Uploads) MaxBytes() int64 { return u.maxBytes }

// Save writes r under a generated name and returns the attachment that
// references it.
func (u *Uploads) Save(filename, contentType string, r io.Reader) (domain.Attachment, error) {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if filename == "." || filename == "/" {
		filename = "upload"
	}
	stored := uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	target := filepath.Join(u.dir, stored)

	f, err := os.Create(target)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create file: %w", err)
	}
	written, err := io.Copy(f, io.LimitReader(r, u.maxBytes+1))
	f.Close()
	if err != nil {
		os.Remove(target)
		return domain.Attachment{}, fmt.Errorf("write file: %w", err)
	}
	if written > u.maxBytes {
		os.Remove(target)
		return domain.Attachment{}, fmt.Errorf("%w: max %s", ErrTooLarge, humanize.Bytes(uint64(u.maxBytes)))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	u.logger.Info("file stored", "name", filename, "stored", stored, "size", humanize.Bytes(uint64(written)), "mime_type", contentType)
	return domain.Attachment{
		Name: filename,
		URL:  u.urlPrefix + "/" + stored,
		Type: contentType,
	}, nil
}

// Remove deletes the file behind an attachment returned by Save.
func (u *Uploads) Remove(a domain.Attachment) {
	name := path.Base(a.URL)
	if name == "." || name == "/" {
		return
	}
	if err := os.Remove(filepath.Join(u.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		u.logger.Warn("remove upload failed", "name", name, "err", err)
		return
	}
	u.logger.Debug("upload removed", "name", name)
}
