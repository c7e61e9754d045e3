// Package artifacts durably stores the video and network-log files a
// browser session produces, keyed by organization and session id.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store syncs session artifacts into a filesystem root. The layout is
// <root>/<org-id>/<session-id>/<file>.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Sync copies every regular file under srcDir into the session's artifact
// directory. Syncing a directory that no longer exists is a no-op so a
// second close of the same session stays idempotent.
func (s *Store) Sync(orgID, sessionID, srcDir string) error {
	entries, err := os.ReadDir(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read artifact source: %w", err)
	}

	dst := s.SessionDir(orgID, sessionID)
	if err := os.MkdirAll(dst, 0750); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(srcDir, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Put writes a single named artifact for the session.
func (s *Store) Put(orgID, sessionID, name string, data []byte) error {
	dir := s.SessionDir(orgID, sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0600); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return nil
}

// SessionDir returns the durable directory for a session's artifacts.
func (s *Store) SessionDir(orgID, sessionID string) string {
	return filepath.Join(s.root, orgID, sessionID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create artifact %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy artifact %s: %w", src, err)
	}
	return nil
}
