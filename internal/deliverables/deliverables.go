// Package deliverables writes workflow artifacts under a fixed directory
// inside the data root. Every path is resolved and checked before use:
// traversal components, symlinks escaping the root and non-whitelisted
// extensions are rejected.
package deliverables

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/evolvant/cohort/internal/fault"
)

const (
	// MaxFileSize is the hard per-file cap.
	MaxFileSize = 10 << 20 // 10 MB

	// MaxTextSize caps text deliverables; longer content is truncated with
	// a marker.
	MaxTextSize = 100 << 10 // 100 KB

	truncationMarker = "\n\n[output truncated]\n"
)

var allowedExtensions = map[string]bool{
	".txt":  true,
	".json": true,
	".md":   true,
	".csv":  true,
	".log":  true,
}

// Store writes and reads deliverable files for workflows.
type Store struct {
	root   string // <data>/deliverables, absolute
	logger *zap.Logger
}

// New creates the deliverables directory under dataRoot.
func New(dataRoot string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(filepath.Join(dataRoot, "deliverables"))
	if err != nil {
		return nil, fmt.Errorf("resolve deliverables root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create deliverables root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the absolute deliverables directory.
func (s *Store) Root() string { return s.root }

// WriteText stores a text deliverable for a workflow, truncating past
// MaxTextSize. The name must be a bare filename with a whitelisted
// extension.
func (s *Store) WriteText(workflowID, name, content string) (string, error) {
	path, err := s.resolve(workflowID, name)
	if err != nil {
		return "", err
	}
	if len(content) > MaxTextSize {
		content = content[:MaxTextSize] + truncationMarker
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fault.Internalf(err, "create workflow deliverable dir")
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fault.Internalf(err, "write deliverable")
	}
	s.logger.Debug("deliverable written",
		zap.String("workflow_id", workflowID),
		zap.String("file", name),
		zap.Int("bytes", len(content)))
	return path, nil
}

// WriteTaskResult stores the output of one task as task_NN_result.txt.
func (s *Store) WriteTaskResult(workflowID string, taskIndex int, content string) (string, error) {
	return s.WriteText(workflowID, fmt.Sprintf("task_%02d_result.txt", taskIndex), content)
}

// WriteFinalReport stores the consolidated report for a workflow.
func (s *Store) WriteFinalReport(workflowID, content string) (string, error) {
	return s.WriteText(workflowID, "final_report.txt", content)
}

// Read returns the content of a deliverable, enforcing the size cap.
func (s *Store) Read(workflowID, name string) ([]byte, error) {
	path, err := s.resolve(workflowID, name)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Newf(fault.NotFound, "deliverable %s not found", name)
		}
		return nil, fault.Internalf(err, "stat deliverable")
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fault.New(fault.InvalidArgument, "symlinked deliverables are not served")
	}
	if info.Size() > MaxFileSize {
		return nil, fault.Newf(fault.InvalidArgument, "deliverable exceeds %d bytes", MaxFileSize)
	}
	return os.ReadFile(path)
}

// List returns deliverable filenames for a workflow, sorted.
func (s *Store) List(workflowID string) ([]string, error) {
	if err := checkComponent(workflowID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Internalf(err, "list deliverables")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// resolve produces the absolute path for workflowID/name after the safety
// checks: no traversal components, whitelisted extension, and the resolved
// path (following any existing symlinks) must stay under the root.
func (s *Store) resolve(workflowID, name string) (string, error) {
	if err := checkComponent(workflowID); err != nil {
		return "", err
	}
	if err := checkComponent(name); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return "", fault.Newf(fault.InvalidArgument, "extension %q not allowed", ext)
	}

	path := filepath.Join(s.root, workflowID, name)
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fault.New(fault.InvalidArgument, "path escapes deliverables root")
	}

	// Follow symlinks on whatever part of the path already exists and make
	// sure it still lands inside the root.
	if resolved, err := resolveExisting(path); err == nil {
		if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
			return "", fault.New(fault.InvalidArgument, "path escapes deliverables root")
		}
	}
	return path, nil
}

// resolveExisting walks up to the deepest existing ancestor of path and
// returns its symlink-free form joined with the remaining components.
func resolveExisting(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		current = parent
	}
}

// checkComponent rejects path components that could traverse.
func checkComponent(c string) error {
	if c == "" || c == "." || c == ".." {
		return fault.New(fault.InvalidArgument, "empty or traversal path component")
	}
	if strings.Contains(c, "..") {
		return fault.New(fault.InvalidArgument, "path component contains '..'")
	}
	if strings.ContainsAny(c, `/\`) {
		return fault.New(fault.InvalidArgument, "path component contains a separator")
	}
	if strings.ContainsRune(c, 0) {
		return fault.New(fault.InvalidArgument, "path component contains NUL")
	}
	return nil
}
