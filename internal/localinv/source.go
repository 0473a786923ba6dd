// Package localinv is a directory-backed implementation of the local
// workspace inventory: one subdirectory per workspace, each holding a
// workspace.json metadata file.
package localinv

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/desksync/internal/desksync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

const MetadataFileName = "workspace.json"

type workspaceMetadata struct {
	LocalID      string            `json:"localId"`
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	ExternalRefs map[string]string `json:"externalRefs,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

type Source struct {
	root string
	mu   sync.Mutex
}

func NewSource(root string) (*Source, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Source{root: root}, nil
}

func (s *Source) Root() string {
	return s.root
}

func (s *Source) ListInventory(ctx context.Context, limit int) ([]desksync.LocalWorkspace, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	workspaces := make([]desksync.LocalWorkspace, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadataLocked(entry.Name())
		if err != nil {
			// Directories without valid metadata are not workspaces.
			continue
		}
		workspaces = append(workspaces, metadataToWorkspace(meta))
	}
	sort.Slice(workspaces, func(i, j int) bool {
		return workspaces[i].CreatedAt.After(workspaces[j].CreatedAt)
	})
	if limit > 0 && len(workspaces) > limit {
		workspaces = workspaces[:limit]
	}
	return workspaces, nil
}

func (s *Source) GetWorkspace(ctx context.Context, localID string) (desksync.LocalWorkspace, error) {
	if s == nil || strings.TrimSpace(localID) == "" {
		return desksync.LocalWorkspace{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := s.readMetadataLocked(localID)
	if err != nil {
		return desksync.LocalWorkspace{}, err
	}
	return metadataToWorkspace(meta), nil
}

// CreateWorkspace is idempotent on LocalID: an existing workspace is
// returned as stored, so a replayed command cannot mint a duplicate.
func (s *Source) CreateWorkspace(ctx context.Context, workspace desksync.LocalWorkspace) (desksync.LocalWorkspace, error) {
	if s == nil || strings.TrimSpace(workspace.LocalID) == "" {
		return desksync.LocalWorkspace{}, ErrInvalidInput
	}
	if strings.ContainsAny(workspace.LocalID, `/\`) {
		return desksync.LocalWorkspace{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, err := s.readMetadataLocked(workspace.LocalID); err == nil {
		return metadataToWorkspace(meta), nil
	}
	now := time.Now().UTC()
	if workspace.CreatedAt.IsZero() {
		workspace.CreatedAt = now
	}
	if workspace.UpdatedAt.IsZero() {
		workspace.UpdatedAt = workspace.CreatedAt
	}
	if workspace.Name == "" {
		workspace.Name = workspace.LocalID
	}
	dir := filepath.Join(s.root, workspace.LocalID)
	if workspace.Path == "" {
		workspace.Path = dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return desksync.LocalWorkspace{}, err
	}
	meta := workspaceMetadata{
		LocalID:      workspace.LocalID,
		Name:         workspace.Name,
		Path:         workspace.Path,
		ExternalRefs: workspace.ExternalRefs,
		CreatedAt:    workspace.CreatedAt,
		UpdatedAt:    workspace.UpdatedAt,
	}
	if err := s.writeMetadataLocked(workspace.LocalID, meta); err != nil {
		return desksync.LocalWorkspace{}, err
	}
	return metadataToWorkspace(meta), nil
}

func (s *Source) readMetadataLocked(localID string) (workspaceMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.root, localID, MetadataFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workspaceMetadata{}, ErrNotFound
		}
		return workspaceMetadata{}, err
	}
	var meta workspaceMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return workspaceMetadata{}, err
	}
	if strings.TrimSpace(meta.LocalID) == "" {
		meta.LocalID = localID
	}
	return meta, nil
}

func (s *Source) writeMetadataLocked(localID string, meta workspaceMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, localID, MetadataFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func metadataToWorkspace(meta workspaceMetadata) desksync.LocalWorkspace {
	return desksync.LocalWorkspace{
		LocalID:      meta.LocalID,
		Name:         meta.Name,
		Path:         meta.Path,
		ExternalRefs: meta.ExternalRefs,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
	}
}
