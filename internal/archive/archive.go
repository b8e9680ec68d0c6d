// Package archive stores the raw page a snapshot was extracted from,
// addressed by the hash of its content.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Hasher digests page bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Config controls where pages are written.
type Config struct {
	Prefix string
	// ContentType overrides the fetched content type when set.
	ContentType string
}

// Archiver writes pages to a BlobStore under <prefix>/<targetID>/<hash>.html.
type Archiver struct {
	blobs  monitor.BlobStore
	hasher Hasher
	cfg    Config
}

// New constructs an Archiver.
func New(blobs monitor.BlobStore, hasher Hasher, cfg Config) *Archiver {
	return &Archiver{blobs: blobs, hasher: hasher, cfg: cfg}
}

// Archive hashes body, stores it and returns the hash and the blob URI.
func (a *Archiver) Archive(ctx context.Context, targetID string, body []byte, contentType string) (string, string, error) {
	hash, err := a.hasher.Hash(body)
	if err != nil {
		return "", "", fmt.Errorf("hash body: %w", err)
	}
	if a.cfg.ContentType != "" {
		contentType = a.cfg.ContentType
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := a.blobs.PutObject(ctx, a.path(targetID, hash), contentType, bytes.NewReader(body))
	if err != nil {
		return hash, "", fmt.Errorf("put object: %w", err)
	}
	return hash, uri, nil
}

func (a *Archiver) path(targetID, hash string) string {
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", targetID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, targetID, hash)
}
