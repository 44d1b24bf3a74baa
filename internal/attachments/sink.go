// Package attachments writes inline file payloads received over the socket
// into the upload directory that is served statically.
package attachments

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	ErrWriteFailed  = errors.New("attachment write failed")
	ErrDecodeFailed = errors.New("attachment payload is not valid base64")
	ErrTooLarge     = errors.New("attachment exceeds upload limit")
)

type Sink interface {
	// Store decodes data and writes it under a generated name derived from
	// originalName's extension. It returns the generated filename.
	Store(data, originalName string) (string, error)
}

type DiskSink struct {
	dir     string
	maxSize int64
	seq     atomic.Uint64
	now     func() time.Time
}

// NewDiskSink creates dir if needed. maxSize <= 0 disables the size check.
func NewDiskSink(dir string, maxSize int64) (*DiskSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &DiskSink{dir: dir, maxSize: maxSize, now: time.Now}, nil
}

func (s *DiskSink) Dir() string { return s.dir }

func (s *DiskSink) Store(data, originalName string) (string, error) {
	payload, err := decodePayload(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if s.maxSize > 0 && int64(len(payload)) > s.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	name := s.filename(originalName)
	if err := writeAtomic(s.dir, name, payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return name, nil
}

// filename is "<unix nanos>-<seq>[.ext]"; seq keeps names distinct when two
// writes land on the same clock reading.
func (s *DiskSink) filename(originalName string) string {
	name := strconv.FormatInt(s.now().UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	if ext := extension(originalName); ext != "" {
		name += "." + ext
	}
	return name
}

// extension returns the last dot-segment of name when it is a plain
// alphanumeric token, lower-cased.
func extension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	ext := name[i+1:]
	if len(ext) > 16 {
		return ""
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

// decodePayload accepts a data URL ("data:image/png;base64,....") or bare
// base64 in either the standard or URL alphabet.
func decodePayload(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		comma := strings.Index(data, ",")
		if comma < 0 {
			return nil, errors.New("data URL has no payload")
		}
		if !strings.Contains(data[:comma], ";base64") {
			return nil, errors.New("data URL is not base64 encoded")
		}
		data = data[comma+1:]
	}
	if data == "" {
		return nil, errors.New("empty payload")
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("illegal base64 data")
}

// writeAtomic writes to a temp file in dir and renames it into place, so a
// reader never sees a partially written attachment.
func writeAtomic(dir, name string, payload []byte) error {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
