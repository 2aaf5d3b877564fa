// Package store provides the durable backends behind the coordinator's credential store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KingInYellow18/code-sub001/sdk/coordinator/auth"
	log "github.com/sirupsen/logrus"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// fileDocument is the on-disk layout: one record per provider.
type fileDocument struct {
	Credentials map[string]auth.Record `json:"credentials"`
}

// FileStore persists every credential in a single JSON document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store writing to path. The directory is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the credentials file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file is an empty store. A file readable by
// group or others is tightened to owner-only.
func (s *FileStore) Load(_ context.Context) (map[string]auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string]auth.Credential, len(doc.Credentials))
	for provider, rec := range doc.Credentials {
		cred, errDecode := rec.Decode()
		if errDecode != nil {
			log.WithField(auth.FieldProvider, provider).WithError(errDecode).Warn("skipping unreadable credential record")
			continue
		}
		out[provider] = cred
	}
	return out, nil
}

// Save replaces the record for provider and rewrites the document atomically.
func (s *FileStore) Save(_ context.Context, provider string, cred auth.Credential) error {
	rec, err := auth.EncodeRecord(cred)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.Credentials[provider] = rec
	return s.writeLocked(doc)
}

// Delete removes the record for provider.
func (s *FileStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := doc.Credentials[provider]; !ok {
		return nil
	}
	delete(doc.Credentials, provider)
	return s.writeLocked(doc)
}

func (s *FileStore) readLocked() (*fileDocument, error) {
	doc := &fileDocument{Credentials: make(map[string]auth.Record)}
	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		log.WithField("path", s.path).Warnf("credentials file mode %04o is too open, tightening to %04o", info.Mode().Perm(), fileMode)
		if errChmod := os.Chmod(s.path, fileMode); errChmod != nil {
			return nil, fmt.Errorf("tighten credentials file mode: %w", errChmod)
		}
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err = json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode credentials file: %w", err)
	}
	if doc.Credentials == nil {
		doc.Credentials = make(map[string]auth.Record)
	}
	return doc, nil
}

// writeLocked writes to a temp file in the same directory, then renames it over the target.
func (s *FileStore) writeLocked(doc *fileDocument) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	data, err := marshalDocument(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err = tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp credentials file: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp credentials file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}

func marshalDocument(doc *fileDocument) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode credentials file: %w", err)
	}
	return append(data, '\n'), nil
}
