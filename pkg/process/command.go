package process

import (
	"os"
	"os/exec"
	"strings"
	"time"
)

// shellMetaChars force a command line through the shell.
const shellMetaChars = "!$^&*()~[]\\|{};<>?'\"`"

const shellPath = "/bin/sh"

// NeedsShell reports whether commandLine must be run via /bin/sh. Only
// commands starting with a path and free of metacharacters are executed
// directly.
func NeedsShell(commandLine string) bool {
	trimmed := strings.TrimSpace(commandLine)
	if trimmed == "" {
		return true
	}
	if trimmed[0] != '/' && trimmed[0] != '.' {
		return true
	}
	return strings.ContainsAny(trimmed, shellMetaChars)
}

// Argv splits commandLine into the argument vector used for execution.
func Argv(commandLine string) []string {
	if NeedsShell(commandLine) {
		return []string{shellPath, "-c", commandLine}
	}
	return strings.Fields(commandLine)
}

// newCommand prepares a check process in its own process group with
// separately captured, size-limited output streams.
func newCommand(argv []string, env []string, stdout, stderr *cappedBuffer, waitDelay time.Duration) *exec.Cmd {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	setupProcessAttributes(cmd)

	// bounds Wait when a leftover grandchild still holds the output pipes
	cmd.WaitDelay = waitDelay
	return cmd
}
