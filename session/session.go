// Package session manages the on-disk state of one tenant instance:
// a directory holding the serialized credential blob and a small
// feature-config file. Local material always wins over the store's
// copy when a worker starts; the supervisor only seeds this directory
// when it is empty.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	credentialsFile = "creds.json"
	featuresFile    = "features.json"
)

// Session is the per-instance state directory.
type Session struct {
	dir string
}

// New returns a Session rooted at dataDir/<instanceID>. The directory
// is not created until something is written.
func New(dataDir, instanceID string) *Session {
	return &Session{dir: filepath.Join(dataDir, instanceID)}
}

// Dir returns the session directory path.
func (s *Session) Dir() string {
	return s.dir
}

// HasLocalMaterial reports whether a non-empty credential file exists.
// Presence takes precedence over the store's blob on worker start.
func (s *Session) HasLocalMaterial() bool {
	info, err := os.Stat(filepath.Join(s.dir, credentialsFile))
	return err == nil && info.Size() > 0
}

// ReadCredentials returns the local credential blob, nil when absent.
func (s *Session) ReadCredentials() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, credentialsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return data, nil
}

// WriteCredentials persists the credential blob atomically (write to
// a temp file, then rename) so a crash mid-write cannot corrupt the
// only copy of the session.
func (s *Session) WriteCredentials(blob []byte) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := filepath.Join(s.dir, credentialsFile+".tmp")
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, credentialsFile)); err != nil {
		return fmt.Errorf("commit credentials: %w", err)
	}
	return nil
}

// Wipe removes all local credential material. Called when the
// messaging network reports an authoritative logout, so the worker
// cannot hot-loop against permanently invalidated credentials.
func (s *Session) Wipe() error {
	err := os.Remove(filepath.Join(s.dir, credentialsFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}

// Remove deletes the entire session directory (instance deletion).
func (s *Session) Remove() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}

// ReadFeatures returns the feature-config map, empty when absent.
func (s *Session) ReadFeatures() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, featuresFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read features: %w", err)
	}
	var features map[string]string
	if err := json.Unmarshal(data, &features); err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	return features, nil
}

// WriteFeatures persists the feature-config map.
func (s *Session) WriteFeatures(features map[string]string) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(features, "", "  ")
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, featuresFile), data, 0600); err != nil {
		return fmt.Errorf("write features: %w", err)
	}
	return nil
}
