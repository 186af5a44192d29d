// Package runner locates and executes the external privileged tools
// groupshaper depends on (tc, ip, modprobe, rmmod, speedtest), the way
// traffictoll/utils.py's run() does: split the command line with POSIX
// shell-word rules, resolve the head word through a cached PATH lookup,
// and exec it directly with no shell interposed.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/NodePath81/groupshaper/internal/shaperr"
	"github.com/google/shlex"
)

// Result is the captured outcome of a command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes external commands and caches PATH lookups, mirroring
// the `functools.lru_cache`-wrapped `shutil.which` in the original.
type Runner struct {
	logger *slog.Logger

	mu      sync.Mutex
	pathFor map[string]string
}

// New constructs a Runner that logs the canonical command line at debug
// level before spawning, as spec.md §4.1 requires.
func New(logger *slog.Logger) *Runner {
	return &Runner{
		logger:  loggerOrDiscard(logger),
		pathFor: make(map[string]string),
	}
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// which resolves binary to its absolute path, caching the result.
func (r *Runner) which(binary string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if path, ok := r.pathFor[binary]; ok {
		return path, path != ""
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		r.pathFor[binary] = ""
		return "", false
	}
	r.pathFor[binary] = path
	return path, true
}

// Run splits commandLine using POSIX shell-word rules, resolves the head
// word through the cached PATH lookup, and executes it with no shell
// interposed. captureStdout controls whether stdout is buffered and
// returned; when false, Result.Stdout is always empty. Run does not
// raise on a nonzero exit — callers inspect Result.ExitCode.
func (r *Runner) Run(ctx context.Context, commandLine string, captureStdout bool) (Result, error) {
	words, err := shlex.Split(commandLine)
	if err != nil {
		return Result{}, fmt.Errorf("splitting command line %q: %w", commandLine, err)
	}
	if len(words) == 0 {
		return Result{}, fmt.Errorf("empty command line")
	}

	path, ok := r.which(words[0])
	if !ok {
		return Result{}, &shaperr.MissingDependency{
			Binary: words[0],
			Hint:   fmt.Sprintf("executable for command %q not found on PATH", commandLine),
		}
	}

	r.logger.Debug(strings.Join(words, " "))

	cmd := exec.CommandContext(ctx, path, words[1:]...)
	var stdout, stderr bytes.Buffer
	if captureStdout {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := Result{Stderr: stderr.String()}
	if captureStdout {
		result.Stdout = stdout.String()
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("running %q: %w", commandLine, runErr)
	}
	return result, nil
}
