// Package pkgmgr installs npm packages through the project's package manager.
package pkgmgr

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/logger"
)

// Kind names a supported package manager.
type Kind string

const (
	NPM  Kind = "npm"
	Yarn Kind = "yarn"
	PNPM Kind = "pnpm"
	Bun  Kind = "bun"
)

// ErrUnsupported is returned for an unknown package manager.
var ErrUnsupported = errors.New("unsupported package manager")

// ParseKind maps a name to a Kind.
func ParseKind(name string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(name))); k {
	case NPM, Yarn, PNPM, Bun:
		return k, nil
	default:
		return "", errors.WithHint(
			errors.Wrapf(ErrUnsupported, "%q", name),
			"use one of: npm, yarn, pnpm, bun",
		)
	}
}

// Options controls one install invocation.
type Options struct {
	// Dev installs into devDependencies
	Dev bool

	Kind        Kind
	ProjectRoot string

	// Exact pins the resolved version instead of a caret range
	Exact bool

	// Silent suppresses package-manager output on the terminal
	Silent bool
}

// Manager installs packages into a project.
type Manager interface {
	Install(ctx context.Context, names []string, opts Options) error
}

// Args returns the full argv for installing names. An empty names list
// returns nil.
func Args(names []string, opts Options) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var argv []string
	switch opts.Kind {
	case NPM:
		argv = []string{"npm", "install"}
		if opts.Dev {
			argv = append(argv, "--save-dev")
		}
		if opts.Exact {
			argv = append(argv, "--save-exact")
		}
	case PNPM:
		argv = []string{"pnpm", "add"}
		if opts.Dev {
			argv = append(argv, "--save-dev")
		}
		if opts.Exact {
			argv = append(argv, "--save-exact")
		}
	case Yarn, Bun:
		argv = []string{string(opts.Kind), "add"}
		if opts.Dev {
			argv = append(argv, "--dev")
		}
		if opts.Exact {
			argv = append(argv, "--exact")
		}
	default:
		return nil, errors.Wrapf(ErrUnsupported, "%q", opts.Kind)
	}

	if opts.Silent {
		argv = append(argv, "--silent")
	}
	return append(argv, names...), nil
}

// CommandFunc builds the command to run. It matches exec.CommandContext.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Exec implements Manager by running the package manager binary.
type Exec struct {
	// Stdout and Stderr receive live output unless Options.Silent is set.
	Stdout io.Writer
	Stderr io.Writer

	command CommandFunc
	log     *zap.SugaredLogger
}

// NewExec creates an Exec that runs real binaries.
func NewExec(log *zap.SugaredLogger) *Exec {
	return &Exec{command: exec.CommandContext, log: logger.OrNop(log)}
}

// WithCommand replaces how commands are built.
func (e *Exec) WithCommand(fn CommandFunc) *Exec {
	e.command = fn
	return e
}

// Install runs the package manager in opts.ProjectRoot. A failure carries the
// tail of the command's stderr as a hint.
func (e *Exec) Install(ctx context.Context, names []string, opts Options) error {
	argv, err := Args(names, opts)
	if err != nil {
		return err
	}
	if argv == nil {
		return nil
	}

	rendered := shellquote.Join(argv...)
	cmd := e.command(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.ProjectRoot

	stdout := newRingBuffer(ringBufSize)
	stderr := newRingBuffer(ringBufSize)
	if opts.Silent {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	} else {
		cmd.Stdout = teeTo(stdout, e.Stdout)
		cmd.Stderr = teeTo(stderr, e.Stderr)
	}

	e.log.Infow("running package manager", "command", rendered, "dev", opts.Dev)
	start := time.Now()
	runErr := cmd.Run()
	e.log.Debugw("package manager finished", "command", rendered, "duration", time.Since(start))

	if runErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errors.Wrapf(ctx.Err(), "%s interrupted", rendered)
	}

	wrapped := errors.Wrapf(runErr, "%s failed", rendered)
	if tail := lastLines(stderr.String(), 5); tail != "" {
		wrapped = errors.WithHint(wrapped, tail)
	}
	return wrapped
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
