// Package workspace manages per-job, per-agent filesystem sandboxes.
// Each agent gets a private, fully materialized copy of the source tree;
// copies are never shared or reused across jobs.
package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
)

// SourceSpec describes where the source tree comes from: a remote repository
// URL or a local directory path, with an optional branch or ref for remotes.
type SourceSpec struct {
	Location string
	Ref      string
}

// IsRemote reports whether the source is a remote repository URL.
func (s SourceSpec) IsRemote() bool {
	if strings.Contains(s.Location, "://") {
		return true
	}
	// scp-like syntax: git@host:org/repo.git
	return strings.HasPrefix(s.Location, "git@")
}

// Config holds workspace manager configuration.
type Config struct {
	Root       string // Base directory; jobs subdivide it by JobId
	QuotaBytes int64  // Per-workspace size limit; zero disables the check
}

// Manager allocates and releases agent workspaces.
type Manager struct {
	config Config
	logger *logger.Logger
}

// NewManager creates a new workspace manager and ensures the root exists.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	cfg.Root = root

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "workspace-manager")),
	}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.config.Root
}

// JobDir returns the directory owned by a job.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.config.Root, jobID)
}

// Path returns the workspace path for one agent of a job without materializing it.
func (m *Manager) Path(jobID, agentKey string) string {
	return filepath.Join(m.config.Root, jobID, agentKey)
}

// Allocate materializes a fresh copy of the source for one agent of a job.
// It fails closed if the target directory already exists non-empty, and
// enforces the size quota before handing the workspace to the caller.
func (m *Manager) Allocate(ctx context.Context, jobID, agentKey string, src SourceSpec) (string, error) {
	dst := m.Path(jobID, agentKey)

	if err := ensureAbsent(dst); err != nil {
		return "", apperrors.Workspace(fmt.Sprintf("workspace %s already exists", dst), err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", apperrors.Workspace("failed to create job directory", err)
	}

	m.logger.Info("allocating workspace",
		zap.String("job_id", jobID),
		zap.String("agent_key", agentKey),
		zap.String("source", src.Location))

	if src.IsRemote() {
		if err := m.clone(ctx, src, dst); err != nil {
			_ = os.RemoveAll(dst)
			return "", err
		}
	} else {
		if err := m.copyLocal(ctx, src.Location, dst); err != nil {
			_ = os.RemoveAll(dst)
			return "", err
		}
	}

	size, err := dirSize(dst)
	if err != nil {
		_ = os.RemoveAll(dst)
		return "", apperrors.Workspace("failed to measure workspace size", err)
	}
	if m.config.QuotaBytes > 0 && size > m.config.QuotaBytes {
		_ = os.RemoveAll(dst)
		return "", apperrors.QuotaExceeded(fmt.Sprintf(
			"source tree is %d bytes, workspace quota is %d bytes", size, m.config.QuotaBytes))
	}

	m.logger.Info("workspace ready",
		zap.String("path", dst),
		zap.Int64("size_bytes", size))

	return dst, nil
}

// clone materializes a remote repository via a shallow, single-branch clone.
func (m *Manager) clone(ctx context.Context, src SourceSpec, dst string) error {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if src.Ref != "" {
		args = append(args, "--branch", src.Ref)
	}
	args = append(args, src.Location, dst)

	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperrors.Workspace(
			fmt.Sprintf("git clone failed: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

// copyLocal materializes a local directory tree. The quota is checked against
// the source before any bytes are copied.
func (m *Manager) copyLocal(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return apperrors.Workspace(fmt.Sprintf("source path %s not accessible", src), err)
	}
	if !info.IsDir() {
		return apperrors.Workspace(fmt.Sprintf("source path %s is not a directory", src), nil)
	}

	if m.config.QuotaBytes > 0 {
		size, err := dirSize(src)
		if err != nil {
			return apperrors.Workspace("failed to measure source size", err)
		}
		if size > m.config.QuotaBytes {
			return apperrors.QuotaExceeded(fmt.Sprintf(
				"source tree is %d bytes, workspace quota is %d bytes", size, m.config.QuotaBytes))
		}
	}

	return copyTree(ctx, src, dst)
}

// Release removes a workspace directory. It is idempotent: releasing a path
// that does not exist is a no-op. Paths outside the managed root are refused.
func (m *Manager) Release(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, m.config.Root+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to release path outside workspace root: %s", abs)
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	m.logger.Debug("released workspace", zap.String("path", abs))
	return nil
}

// ReleaseJob removes every workspace owned by a job. Idempotent.
func (m *Manager) ReleaseJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	return m.Release(m.JobDir(jobID))
}

// ensureAbsent fails when the target exists and is non-empty.
func ensureAbsent(path string) error {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return fmt.Errorf("directory not empty")
	}
	return nil
}

// dirSize walks a tree summing regular file sizes.
func dirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// copyTree copies a directory tree preserving permissions and symlinks.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			// Sockets, devices and the like have no business in a source tree.
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
