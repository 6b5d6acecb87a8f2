// Package sidecar persists and restores the resume metadata that lets
// an interrupted download continue without re-fetching completed
// chunks (spec §5 PartialFile / resume semantics).
package sidecar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"
)

const schemaVersion = 1

// Validator identifies the strong validator (ETag or Last-Modified)
// the origin returned at probe time, used to detect a changed-in-place
// file on resume (spec §4.3 "If-Range").
type Validator struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Metadata is the on-disk sidecar document: everything needed to
// safely resume a partial download.
type Metadata struct {
	SchemaVersion int       `json:"schema_version"`
	SourceURL     string    `json:"source_url"`
	TotalSize     int64     `json:"total_size"`
	ChunkSize     int64     `json:"chunk_size"`
	Validator     Validator `json:"validator"`
	PlanDigest    uint64    `json:"plan_digest"`
	Bitmap        []byte    `json:"bitmap"`
}

// Path returns the sidecar file path for a destination file: the same
// path with a ".tcdn" suffix, kept alongside the partial download
// rather than in a separate directory.
func Path(dest string) string {
	return dest + ".tcdn"
}

// PlanDigest hashes the ordered (offset, length) pairs of a chunk plan
// with murmur3, so a resumed session can detect that the chunking
// policy changed between runs (e.g. a chunk-size config edit) and
// refuse a mismatched bitmap instead of silently corrupting the file.
func PlanDigest(offsets, lengths []int64) uint64 {
	h := murmur3.New64()
	buf := make([]byte, 16)
	for i := range offsets {
		putUint64(buf[0:8], uint64(offsets[i]))
		putUint64(buf[8:16], uint64(lengths[i]))
		h.Write(buf)
	}
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Write compresses and writes md to the sidecar file for dest,
// replacing any existing sidecar atomically.
func Write(dest string, md Metadata) error {
	md.SchemaVersion = schemaVersion

	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("sidecar: marshal metadata: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("sidecar: new zstd writer: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)

	path := Path(dest)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("sidecar: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("sidecar: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

var ErrNotFound = errors.New("sidecar: no resume metadata found")

// Read loads and decompresses the sidecar for dest, if present.
func Read(dest string) (Metadata, error) {
	path := Path(dest)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("sidecar: read %s: %w", path, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("sidecar: new zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("sidecar: decompress %s: %w", path, err)
	}

	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("sidecar: unmarshal %s: %w", path, err)
	}
	if md.SchemaVersion != schemaVersion {
		return Metadata{}, fmt.Errorf("sidecar: %s has schema version %d, want %d", path, md.SchemaVersion, schemaVersion)
	}
	return md, nil
}

// Remove deletes the sidecar for dest once a download completes
// successfully. Missing sidecar is not an error.
func Remove(dest string) error {
	if err := os.Remove(Path(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("sidecar: remove %s: %w", Path(dest), err)
	}
	return nil
}

// Usable reports whether md can be used to resume a download against
// sourceURL with a fresh probe validator and plan digest: the source
// URL, validator, and chunk-plan digest must all match what was
// recorded, otherwise the origin file may have changed underneath the
// partial download.
func (md Metadata) Usable(sourceURL string, freshValidator Validator, freshPlanDigest uint64) bool {
	if md.SourceURL != sourceURL {
		return false
	}
	if md.PlanDigest != freshPlanDigest {
		return false
	}
	if md.Validator.ETag != "" && freshValidator.ETag != "" {
		return md.Validator.ETag == freshValidator.ETag
	}
	if md.Validator.LastModified != "" && freshValidator.LastModified != "" {
		return md.Validator.LastModified == freshValidator.LastModified
	}
	// Neither side has a strong validator to compare; treat as unusable
	// rather than resume blind.
	return false
}

// ExportBundle writes a zstd-compressed tar-free copy of the given
// manifest records next to dest (dest + ".bundle.zst"). The CLI's
// --export-bundle flag does not use it; that flag is backed by
// internal/bundler.
func ExportBundle(dest string, records []byte) (string, error) {
	bundlePath := dest + ".bundle.zst"
	f, err := os.Create(bundlePath)
	if err != nil {
		return "", fmt.Errorf("sidecar: create bundle %s: %w", bundlePath, err)
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("sidecar: new zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, bytes.NewReader(records)); err != nil {
		enc.Close()
		return "", fmt.Errorf("sidecar: write bundle: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("sidecar: close bundle writer: %w", err)
	}
	return bundlePath, nil
}

// EnsureDir makes sure the parent directory of dest exists, mirroring
// the sharded-directory creation the teacher did per crate.
func EnsureDir(dest string) error {
	dir := filepath.Dir(dest)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sidecar: mkdir %s: %w", dir, err)
	}
	return nil
}
