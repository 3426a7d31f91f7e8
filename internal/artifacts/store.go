// Package artifacts keeps screenshots taken when a scenario fails, each as
// an image file plus a JSON metadata sidecar.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Meta describes a stored screenshot.
type Meta struct {
	ID        string    `json:"id"`
	TabID     string    `json:"tab_id"`
	PageURL   string    `json:"page_url,omitempty"`
	Format    string    `json:"format"`
	SizeBytes int       `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Store manages artifact files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory artifacts are written to.
func (s *Store) Dir() string { return s.dir }

func (s *Store) validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid artifact id: %q", id)
	}
	return nil
}

// SaveFailure stores a PNG screenshot of tabID taken after cause and returns
// the new artifact id.
func (s *Store) SaveFailure(tabID, pageURL string, png []byte, cause error) (string, error) {
	meta := Meta{
		ID:        uuid.New().String(),
		TabID:     tabID,
		PageURL:   pageURL,
		Format:    "png",
		SizeBytes: len(png),
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		meta.Error = cause.Error()
	}
	if err := s.Save(meta, png); err != nil {
		return "", err
	}
	return meta.ID, nil
}

// Save writes both the image file and metadata sidecar.
func (s *Store) Save(meta Meta, imageData []byte) error {
	if err := s.validateID(meta.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	imgPath := filepath.Join(s.dir, meta.ID+"."+meta.Format)
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(imgPath, imageData, 0o644); err != nil {
		return fmt.Errorf("artifact store: write image: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		s.removeFile(imgPath)
		return fmt.Errorf("artifact store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		s.removeFile(imgPath)
		return fmt.Errorf("artifact store: write meta: %w", err)
	}
	return nil
}

// Get reads artifact metadata by ID.
func (s *Store) Get(id string) (Meta, error) {
	if err := s.validateID(id); err != nil {
		return Meta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, fmt.Errorf("artifact not found: %s", id)
		}
		return Meta{}, fmt.Errorf("artifact store: read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("artifact store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all artifacts sorted by creation time (newest first).
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("artifact store: glob: %w", err)
	}

	metas := make([]Meta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Debug("artifact meta unreadable", "path", path, "error", err)
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			slog.Debug("artifact meta malformed", "path", path, "error", err)
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

// ReadImage reads the raw image bytes and returns the format.
func (s *Store) ReadImage(id string) ([]byte, string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, id+"."+meta.Format))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("artifact image not found: %s", id)
		}
		return nil, "", fmt.Errorf("artifact store: read image: %w", err)
	}
	return data, meta.Format, nil
}

// Delete removes both the image and metadata files.
func (s *Store) Delete(id string) error {
	meta, err := s.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeFile(filepath.Join(s.dir, id+"."+meta.Format))
	s.removeFile(filepath.Join(s.dir, id+".json"))
	return nil
}

func (s *Store) removeFile(path string) {
	if err := os.Remove(path); err != nil {
		slog.Debug("artifact cleanup failed", "path", path, "error", err)
	}
}
