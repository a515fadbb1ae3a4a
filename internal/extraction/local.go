package extraction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DirContentStore serves file content from a directory, treating file ids
// as relative paths. Deployments with a real file service inject their own
// ContentStore instead.
type DirContentStore struct {
	root string
}

// NewDirContentStore constructs a directory-backed content store.
func NewDirContentStore(root string) *DirContentStore {
	return &DirContentStore{root: root}
}

func (s *DirContentStore) GetFileContent(_ context.Context, fileID string) (FileContent, error) {
	clean := filepath.Clean(fileID)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return FileContent{}, fmt.Errorf("file id %q escapes the content root", fileID)
	}
	path := filepath.Join(s.root, clean)
	data, err := os.ReadFile(path)
	if err != nil {
		return FileContent{}, fmt.Errorf("reading file %s: %w", fileID, err)
	}
	return FileContent{
		Text:     string(data),
		Path:     path,
		Metadata: map[string]interface{}{"mime_type": mimeForExtension(filepath.Ext(clean))},
	}, nil
}

func mimeForExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".csv":
		return "text/csv"
	default:
		return "text/plain"
	}
}

type policyKey struct {
	orgID string
	slot  string
}

// StaticPolicyStore resolves policies from an in-process table with an
// optional fallback applied to unknown (org, slot) pairs.
type StaticPolicyStore struct {
	mu       sync.RWMutex
	policies map[policyKey]Policy
	fallback *Policy
}

// NewStaticPolicyStore constructs an empty policy table. A non-nil fallback
// answers lookups that have no explicit entry.
func NewStaticPolicyStore(fallback *Policy) *StaticPolicyStore {
	return &StaticPolicyStore{policies: make(map[policyKey]Policy), fallback: fallback}
}

// Set registers the policy for an (org, slot) pair.
func (s *StaticPolicyStore) Set(orgID, slot string, policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policyKey{orgID, slot}] = policy
}

func (s *StaticPolicyStore) LookupPolicy(_ context.Context, orgID, slot string) (Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if policy, ok := s.policies[policyKey{orgID, slot}]; ok {
		return policy, true, nil
	}
	if s.fallback != nil {
		return *s.fallback, true, nil
	}
	return Policy{}, false, nil
}
