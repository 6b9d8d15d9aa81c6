// Package artifact stores downloaded session recordings as blobs and
// hands back a public URL path for each.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists raw artifact bytes keyed by session and artifact id.
type Store interface {
	// Save writes the blob and returns the storage path plus the URL
	// path it is served under.
	Save(ctx context.Context, sessionID, artifactID string, data []byte) (storagePath, urlPath string, err error)
	Delete(ctx context.Context, storagePath string) error
}

// LocalStore keeps artifacts on the local filesystem under
// root/<session>/<artifact> and serves them below baseURLPath.
type LocalStore struct {
	root        string
	baseURLPath string
}

func NewLocalStore(root, baseURLPath string) *LocalStore {
	return &LocalStore{root: root, baseURLPath: strings.TrimSuffix(baseURLPath, "/")}
}

func (s *LocalStore) Save(ctx context.Context, sessionID, artifactID string, data []byte) (string, string, error) {
	name := sanitize(artifactID)
	if !strings.Contains(name, ".") {
		name += ".webm"
	}
	dir := filepath.Join(s.root, sanitize(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create artifact dir: %w", err)
	}

	target := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return "", "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("publish artifact: %w", err)
	}

	urlPath := s.baseURLPath + "/" + sanitize(sessionID) + "/" + name
	return target, urlPath, nil
}

func (s *LocalStore) Delete(ctx context.Context, storagePath string) error {
	if storagePath == "" {
		return nil
	}
	if err := os.Remove(storagePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitize strips path separators so ids cannot escape the store root.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}
