package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// fakeSystem creates an executable "python3" under a fake protected prefix
// and returns the prefix and the interpreter path.
func fakeSystem(t *testing.T) (string, string) {
	t.Helper()

	prefix := filepath.Join(t.TempDir(), "System") + string(filepath.Separator)
	require.NoError(t, os.MkdirAll(prefix, 0755))

	interpreter := filepath.Join(prefix, "python3")
	require.NoError(t, os.WriteFile(interpreter, []byte("#!/bin/sh\necho original\n"), 0755))

	return prefix, interpreter
}

func newPolicy(prefix string) *InterpreterCopy {
	p := NewInterpreterCopy(testLogger())
	p.ProtectedPrefixes = []string{prefix}

	return p
}

func TestNoop(t *testing.T) {
	argv := []string{"python3", "dotest.py"}

	out, err := Noop{}.Apply(context.Background(), argv, map[string]string{DefaultInjectionVar: "x"})
	require.NoError(t, err)
	assert.Equal(t, argv, out)
}

func TestForPlatform(t *testing.T) {
	assert.IsType(t, &InterpreterCopy{}, ForPlatform("darwin", testLogger()))
	assert.IsType(t, Noop{}, ForPlatform("linux", testLogger()))
	assert.IsType(t, Noop{}, ForPlatform("windows", testLogger()))
}

func TestInterpreterCopy_Applies(t *testing.T) {
	prefix, interpreter := fakeSystem(t)
	buildDir := filepath.Join(t.TempDir(), "build", "nested")

	argv := []string{interpreter, "dotest.py", "--build-dir", buildDir, "/suite/dir", "-p", "TestA.py"}
	env := map[string]string{DefaultInjectionVar: "/usr/lib/libasan.dylib"}

	out, err := newPolicy(prefix).Apply(context.Background(), argv, env)
	require.NoError(t, err)

	copied := filepath.Join(buildDir, DefaultCopyName)
	assert.Equal(t, copied, out[0])
	assert.Equal(t, argv[1:], out[1:])
	assert.Equal(t, interpreter, argv[0], "input argv must not be modified")

	data, err := os.ReadFile(copied)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho original\n", string(data))

	info, err := os.Stat(copied)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestInterpreterCopy_NotApplied(t *testing.T) {
	prefix, interpreter := fakeSystem(t)
	buildDir := t.TempDir()

	other := filepath.Join(t.TempDir(), "python3")
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\n"), 0755))

	tests := []struct {
		name string
		argv []string
		env  map[string]string
	}{
		{
			name: "injection variable absent",
			argv: []string{interpreter, "--build-dir", buildDir},
			env:  map[string]string{"OTHER": "1"},
		},
		{
			name: "interpreter outside protected prefixes",
			argv: []string{other, "--build-dir", buildDir},
			env:  map[string]string{DefaultInjectionVar: "lib"},
		},
		{
			name: "empty argv",
			argv: []string{},
			env:  map[string]string{DefaultInjectionVar: "lib"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newPolicy(prefix).Apply(context.Background(), tt.argv, tt.env)
			require.NoError(t, err)
			assert.Equal(t, tt.argv, out)

			_, err = os.Stat(filepath.Join(buildDir, DefaultCopyName))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestInterpreterCopy_Idempotent(t *testing.T) {
	prefix, interpreter := fakeSystem(t)
	buildDir := t.TempDir()

	argv := []string{interpreter, "--build-dir", buildDir}
	env := map[string]string{DefaultInjectionVar: "lib"}
	p := newPolicy(prefix)

	_, err := p.Apply(context.Background(), argv, env)
	require.NoError(t, err)

	// A second application reuses the existing copy.
	require.NoError(t, os.WriteFile(interpreter, []byte("changed"), 0755))

	out, err := p.Apply(context.Background(), argv, env)
	require.NoError(t, err)

	data, err := os.ReadFile(out[0])
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho original\n", string(data))

	// A fresh policy also reuses it.
	_, err = newPolicy(prefix).Apply(context.Background(), argv, env)
	require.NoError(t, err)

	data, err = os.ReadFile(out[0])
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho original\n", string(data))
}

func TestInterpreterCopy_Concurrent(t *testing.T) {
	prefix, interpreter := fakeSystem(t)
	buildDir := filepath.Join(t.TempDir(), "build")

	argv := []string{interpreter, "--build-dir", buildDir}
	env := map[string]string{DefaultInjectionVar: "lib"}

	const workers = 16

	var (
		wg      sync.WaitGroup
		results = make([][]string, workers)
		errs    = make([]error, workers)
	)

	for i := range workers {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			// Separate policies share nothing but the filesystem.
			results[i], errs[i] = newPolicy(prefix).Apply(context.Background(), argv, env)
		}(i)
	}

	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, filepath.Join(buildDir, DefaultCopyName), results[i][0])
	}

	entries, err := os.ReadDir(buildDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files must not be left behind")
	assert.Equal(t, DefaultCopyName, entries[0].Name())
}

func TestInterpreterCopy_Errors(t *testing.T) {
	prefix, interpreter := fakeSystem(t)
	env := map[string]string{DefaultInjectionVar: "lib"}

	t.Run("missing build dir flag", func(t *testing.T) {
		_, err := newPolicy(prefix).Apply(context.Background(), []string{interpreter, "dotest.py"}, env)
		require.Error(t, err)
	})

	t.Run("build dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "build")
		require.NoError(t, os.WriteFile(file, nil, 0644))

		_, err := newPolicy(prefix).Apply(context.Background(), []string{interpreter, "--build-dir", file}, env)
		require.Error(t, err)
	})

	t.Run("interpreter not found", func(t *testing.T) {
		_, err := newPolicy(prefix).Apply(
			context.Background(), []string{filepath.Join(prefix, "missing"), "--build-dir", t.TempDir()}, env,
		)
		require.Error(t, err)
	})
}

func TestFlagValue(t *testing.T) {
	assert.Equal(t, "out", flagValue([]string{"a", "--build-dir", "out", "b"}, "--build-dir"))
	assert.Equal(t, "", flagValue([]string{"a", "--build-dir"}, "--build-dir"))
	assert.Equal(t, "", flagValue(nil, "--build-dir"))
}
