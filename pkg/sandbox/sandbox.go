// Package sandbox rewrites a child command line so that library injection
// keeps working on platforms that refuse to inject into system binaries.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/dotestoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultInjectionVar is the variable that triggers the interpreter copy.
	DefaultInjectionVar = "DYLD_INSERT_LIBRARIES"

	// DefaultCopyName is the file name of the copied interpreter inside the
	// build directory.
	DefaultCopyName = "copied-system-python"

	// DefaultBuildDirFlag names the argument whose value is the build
	// directory.
	DefaultBuildDirFlag = "--build-dir"
)

// DefaultProtectedPrefixes are the system locations whose binaries cannot
// have libraries injected.
var DefaultProtectedPrefixes = []string{"/System/", "/usr/bin/"}

// Policy rewrites argv before the child is started.
type Policy interface {
	Apply(ctx context.Context, argv []string, env map[string]string) ([]string, error)
}

// Noop leaves argv untouched.
type Noop struct{}

var _ Policy = Noop{}

// Apply returns argv unchanged.
func (Noop) Apply(_ context.Context, argv []string, _ map[string]string) ([]string, error) {
	return argv, nil
}

// InterpreterCopy replaces a protected interpreter with a copy living in the
// build directory. It is safe for concurrent use.
type InterpreterCopy struct {
	InjectionVar      string
	ProtectedPrefixes []string
	CopyName          string
	BuildDirFlag      string

	log   logrus.FieldLogger
	group singleflight.Group
}

var _ Policy = (*InterpreterCopy)(nil)

// NewInterpreterCopy returns an InterpreterCopy with default settings.
func NewInterpreterCopy(log logrus.FieldLogger) *InterpreterCopy {
	return &InterpreterCopy{
		InjectionVar:      DefaultInjectionVar,
		ProtectedPrefixes: append([]string(nil), DefaultProtectedPrefixes...),
		CopyName:          DefaultCopyName,
		BuildDirFlag:      DefaultBuildDirFlag,
		log:               log.WithField("component", "sandbox"),
	}
}

// ForPlatform returns the policy appropriate for goos.
func ForPlatform(goos string, log logrus.FieldLogger) Policy {
	if goos == "darwin" {
		return NewInterpreterCopy(log)
	}

	return Noop{}
}

// Apply rewrites argv[0] to the copied interpreter when the injection
// variable is present in env and argv[0] lives under a protected prefix.
// Otherwise argv is returned as is.
func (p *InterpreterCopy) Apply(
	ctx context.Context, argv []string, env map[string]string,
) ([]string, error) {
	if len(argv) == 0 {
		return argv, nil
	}

	if _, ok := env[p.InjectionVar]; !ok {
		return argv, nil
	}

	interpreter, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolving interpreter: %w", err)
	}

	if interpreter, err = filepath.Abs(interpreter); err != nil {
		return nil, fmt.Errorf("resolving interpreter: %w", err)
	}

	if !p.protected(interpreter) {
		return argv, nil
	}

	buildDir := flagValue(argv, p.BuildDirFlag)
	if buildDir == "" {
		return nil, fmt.Errorf("interpreter %s needs copying but argv has no %s", interpreter, p.BuildDirFlag)
	}

	if err := fsutil.EnsureDir(buildDir, 0755); err != nil {
		return nil, fmt.Errorf("creating build dir: %w", err)
	}

	dst := filepath.Join(buildDir, p.CopyName)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, err, _ = p.group.Do(dst, func() (any, error) {
		return nil, p.copyOnce(interpreter, dst)
	})
	if err != nil {
		return nil, err
	}

	out := append([]string(nil), argv...)
	out[0] = dst

	return out, nil
}

func (p *InterpreterCopy) protected(path string) bool {
	for _, prefix := range p.ProtectedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// copyOnce copies the interpreter to dst unless a regular file is already
// there.
func (p *InterpreterCopy) copyOnce(interpreter, dst string) error {
	if info, err := os.Stat(dst); err == nil && info.Mode().IsRegular() {
		return nil
	}

	src, err := filepath.EvalSymlinks(interpreter)
	if err != nil {
		return fmt.Errorf("resolving interpreter: %w", err)
	}

	if err := fsutil.CopyFileAtomic(src, dst); err != nil {
		return fmt.Errorf("copying interpreter: %w", err)
	}

	if p.log != nil {
		p.log.WithFields(logrus.Fields{
			"source":      src,
			"destination": dst,
		}).Info("Copied interpreter out of protected location")
	}

	return nil
}

// flagValue returns the argument following flag, or "".
func flagValue(argv []string, flag string) string {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}

	return ""
}
