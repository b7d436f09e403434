package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-gearman-worker/pkg/errors"
	"github.com/core-tools/hsu-gearman-worker/pkg/logging"
)

// DefaultAppName names the pidfile when none is configured.
const DefaultAppName = "gmworker"

// PIDFile guards a daemon instance through a single-line file holding its PID.
type PIDFile struct {
	path   string
	pid    int
	logger logging.Logger
}

func New(path string, logger logging.Logger) *PIDFile {
	if logger == nil {
		logger = logging.Discard
	}
	return &PIDFile{path: path, pid: os.Getpid(), logger: logger}
}

func (p *PIDFile) Path() string {
	return p.path
}

// Acquire writes the current PID. An existing file naming a live process
// other than this one is a conflict; a stale file is removed first.
func (p *PIDFile) Acquire() error {
	if p.path == "" {
		return errors.NewValidationError("PID file path cannot be empty", nil)
	}

	if pid, err := Read(p.path); err == nil {
		running, runErr := IsProcessRunning(pid)
		if runErr != nil {
			p.logger.Warnf("Could not check PID %d from %s: %v", pid, p.path, runErr)
		}
		if running && pid != p.pid {
			return errors.NewConflictError(fmt.Sprintf("already running with PID %d", pid), nil).
				WithContext("pid_file", p.path)
		}
		p.logger.Infof("Removing stale PID file %s (PID %d)", p.path, pid)
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return errors.NewIOError("failed to remove stale PID file", err).WithContext("pid_file", p.path)
		}
	} else if !errors.IsNotFoundError(err) {
		p.logger.Warnf("Replacing unreadable PID file %s: %v", p.path, err)
	}

	if err := ValidateDirectory(p.path); err != nil {
		return err
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d\n", p.pid)), 0o644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", p.path)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", p.path)
	}

	p.logger.Debugf("PID file written, pid: %d, path: %s", p.pid, p.path)
	return nil
}

// Release removes the file if it still names this process.
func (p *PIDFile) Release() error {
	pid, err := Read(p.path)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if pid != p.pid {
		p.logger.Warnf("PID file %s now belongs to PID %d, leaving it", p.path, pid)
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", p.path)
	}
	return nil
}

// Read parses the PID stored in path.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file does not exist", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	return ValidatePID(strings.TrimSpace(string(content)))
}

// ValidatePID validates PID value
func ValidatePID(pidStr string) (int, error) {
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}

// ValidateDirectory makes sure the parent directory of path exists and is writable.
func ValidateDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file parent is not a directory", nil).WithContext("path", dir)
	}

	if err := unixAccessW(dir); err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	return nil
}

// DefaultPath picks a runtime directory for appName's pidfile: /run or
// /var/run for root, XDG_RUNTIME_DIR or the temp dir otherwise.
func DefaultPath(appName string) string {
	if appName == "" {
		appName = DefaultAppName
	}

	var dir string
	switch {
	case os.Geteuid() == 0:
		dir = "/var/run"
		if _, err := os.Stat("/run"); err == nil {
			dir = "/run"
		}
	case os.Getenv("XDG_RUNTIME_DIR") != "":
		dir = os.Getenv("XDG_RUNTIME_DIR")
	default:
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName+".pid")
}
