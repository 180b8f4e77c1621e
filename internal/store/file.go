package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"helpdesk-backend/internal/dialog"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type fileRecord struct {
	Version int64           `json:"version"`
	Session *dialog.Session `json:"session"`
}

// FileSessionStore keeps one JSON file per conversation under a directory.
// It is meant for single-user tools such as the chat command.
type FileSessionStore struct {
	dir string
}

func NewFileSessionStore(dir string) *FileSessionStore {
	return &FileSessionStore{dir: dir}
}

func (f *FileSessionStore) path(id string) string {
	return filepath.Join(f.dir, unsafeName.ReplaceAllString(id, "_")+".json")
}

func (f *FileSessionStore) Load(_ context.Context, id string) (*dialog.Session, error) {
	b, err := os.ReadFile(f.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if rec.Session == nil {
		return nil, nil
	}
	rec.Session.Version = rec.Version
	return rec.Session, nil
}

func (f *FileSessionStore) Save(ctx context.Context, s *dialog.Session) error {
	current, err := f.Load(ctx, s.ID)
	if err != nil {
		return err
	}
	if current != nil && current.Version != s.Version {
		return dialog.ErrSessionConflict
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fileRecord{Version: s.Version + 1, Session: s}, "", "  ")
	if err != nil {
		return err
	}
	// Write then rename so a crash never leaves a truncated file.
	p := f.path(s.ID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return err
	}
	s.Version++
	return nil
}

func (f *FileSessionStore) Delete(_ context.Context, id string) error {
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
