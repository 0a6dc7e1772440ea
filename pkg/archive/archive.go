// Package archive keeps a content-addressed copy of every weekly job card in
// object storage. Cards are encoded as canonical JSON so the same card always
// hashes to the same key.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Archiver stores job cards.
type Archiver interface {
	Archive(ctx context.Context, r contracts.WeeklyFlagRecord) error
}

// Encode returns the canonical JSON of a job card and its sha256 hex digest.
func Encode(r contracts.WeeklyFlagRecord) ([]byte, string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, "", fmt.Errorf("encode job card: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize job card: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// checksum is the base64 sha256 object stores verify uploads against.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Key is the object key of a card: prefix/client/week_ending/hash.json.
func Key(prefix string, r contracts.WeeklyFlagRecord, hash string) string {
	return path.Join(prefix, "job-cards", r.ClientID, r.WeekEnding.String(), hash+".json")
}

// FileArchive writes cards under a local directory. It backs lite mode.
type FileArchive struct {
	root string
}

func NewFileArchive(root string) (*FileArchive, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileArchive{root: root}, nil
}

func (a *FileArchive) Archive(_ context.Context, r contracts.WeeklyFlagRecord) error {
	data, hash, err := Encode(r)
	if err != nil {
		return err
	}
	p := filepath.Join(a.root, filepath.FromSlash(Key("", r, hash)))
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create card dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write card: %w", err)
	}
	return os.Rename(tmp, p)
}

// Open returns the archive for a location URL:
//
//	s3://bucket/prefix   Amazon S3 or an S3-compatible endpoint (AWS_ENDPOINT_URL)
//	gs://bucket/prefix   Google Cloud Storage
//	file:///path or a bare path
func Open(ctx context.Context, location string) (Archiver, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("archive location: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	var (
		a    Archiver
		oerr error
	)
	switch u.Scheme {
	case "s3":
		a, oerr = NewS3Archive(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   os.Getenv("AWS_REGION"),
			Endpoint: os.Getenv("AWS_ENDPOINT_URL"),
		})
	case "gs":
		a, oerr = NewGCSArchive(ctx, u.Host, prefix)
	case "file", "":
		a, oerr = NewFileArchive(u.Path)
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}
	if oerr != nil {
		return nil, oerr
	}
	return a, nil
}
