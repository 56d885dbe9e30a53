package discovery

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, p string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte("import lldb\n"), 0644))
}

func names(tests []TestCase) []string {
	out := make([]string, 0, len(tests))
	for _, tc := range tests {
		out = append(out, tc.Name)
	}

	return out
}

func TestDiscover_NameRules(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{
		"TestStaticInitializers.py",
		"TestExcluded.py",
		"TestNotes.txt",
		"testLowercase.py",
		"helper.py",
		"main.cpp",
		".TestHidden.py",
		"Makefile",
	} {
		touch(t, filepath.Join(dir, name))
	}

	require.NoError(t, os.Mkdir(filepath.Join(dir, "TestDirectory.py"), 0755))

	dc := NewDirConfig([]string{"TestExcluded.py"}, []string{".py"})

	tests, err := Collect(Discover(dir, dc), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"TestStaticInitializers.py"}, names(tests))

	tc := tests[0]
	assert.Equal(t, dir, tc.Dir)
	assert.Equal(t, "TestStaticInitializers", tc.Stem)
	assert.Equal(t, ".py", tc.Ext)
	assert.Equal(t, "TestStaticInitializers.py", tc.ID())
	assert.Equal(t, filepath.Join(dir, "TestStaticInitializers.py"), tc.Path())
}

func TestDiscover_MultipleSuffixes(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "TestA.py"))
	touch(t, filepath.Join(dir, "TestB.test"))
	touch(t, filepath.Join(dir, "TestC.sh"))

	tests, err := Collect(Discover(dir, NewDirConfig(nil, []string{".py", ".test"})), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"TestA.py", "TestB.test"}, names(tests))
}

func TestDiscover_Restartable(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "TestA.py"))

	seq := Discover(dir, NewDirConfig(nil, []string{".py"}))

	first, err := Collect(seq, nil)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	// A second pass sees directory changes made in between.
	touch(t, filepath.Join(dir, "TestB.py"))

	second, err := Collect(seq, nil)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestDiscover_EarlyBreak(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "TestA.py"))
	touch(t, filepath.Join(dir, "TestB.py"))

	count := 0
	for _, err := range Discover(dir, NewDirConfig(nil, []string{".py"})) {
		require.NoError(t, err)

		count++

		break
	}

	assert.Equal(t, 1, count)
}

func TestDiscover_MissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")

	_, err := Collect(Discover(dir, NewDirConfig(nil, []string{".py"})), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestDirConfig_Accepts(t *testing.T) {
	dc := NewDirConfig([]string{"TestSkip.py"}, []string{".py"})

	tests := []struct {
		name string
		want bool
	}{
		{name: "TestStaticInitializers.py", want: true},
		{name: "TestSkip.py", want: false},
		{name: ".TestHidden.py", want: false},
		{name: "StaticInitializers.py", want: false},
		{name: "testStaticInitializers.py", want: false},
		{name: "TestStaticInitializers.pyc", want: false},
		{name: "Test", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dc.Accepts(tt.name))
		})
	}
}

func TestWalk(t *testing.T) {
	root := t.TempDir()

	touch(t, filepath.Join(root, "TestTop.py"))
	touch(t, filepath.Join(root, "commands", "expression", "static-initializers", "TestStaticInitializers.py"))
	touch(t, filepath.Join(root, "commands", "expression", "static-initializers", "main.cpp"))
	touch(t, filepath.Join(root, "functionalities", "TestBreakpoints.py"))
	touch(t, filepath.Join(root, ".git", "TestIgnored.py"))
	touch(t, filepath.Join(root, "skipdir", "TestIgnored.py"))

	cfg := Config{
		Excludes: []string{"skipdir"},
		Suffixes: []string{".py"},
	}

	tests, err := Collect(Walk(root, cfg), nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(tests))
	for _, tc := range tests {
		ids = append(ids, tc.ID())
		assert.Equal(t, root, tc.SuiteRoot)
	}

	assert.ElementsMatch(t, []string{
		"TestTop.py",
		"commands/expression/static-initializers/TestStaticInitializers.py",
		"functionalities/TestBreakpoints.py",
	}, ids)
}

func TestWalk_MissingRoot(t *testing.T) {
	_, err := Collect(Walk(filepath.Join(t.TempDir(), "nope"), Config{Suffixes: []string{".py"}}), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestConfig_ForDir(t *testing.T) {
	cfg := Config{
		Excludes: []string{"TestGlobal.py"},
		Suffixes: []string{".py"},
		Overrides: []Override{
			{Path: "commands/expression", Excludes: []string{"TestFlaky.py"}, Unsupported: true},
			{Path: "commands", Suffixes: []string{".test"}},
			{Path: "lang"},
		},
	}

	t.Run("root", func(t *testing.T) {
		dc := cfg.ForDir(".")
		assert.Contains(t, dc.Excludes, "TestGlobal.py")
		assert.Contains(t, dc.Suffixes, ".py")
		assert.False(t, dc.Unsupported)
	})

	t.Run("nested override inherits", func(t *testing.T) {
		dc := cfg.ForDir("commands/expression/static-initializers")
		assert.Contains(t, dc.Excludes, "TestGlobal.py")
		assert.Contains(t, dc.Excludes, "TestFlaky.py")
		assert.Contains(t, dc.Suffixes, ".test")
		assert.NotContains(t, dc.Suffixes, ".py")
		assert.True(t, dc.Unsupported)
	})

	t.Run("sibling prefix does not match", func(t *testing.T) {
		dc := cfg.ForDir("commandsfoo")
		assert.NotContains(t, dc.Excludes, "TestFlaky.py")
		assert.Contains(t, dc.Suffixes, ".py")
	})
}

func TestFilter(t *testing.T) {
	tc := TestCase{
		RelDir: "commands/expression/static-initializers",
		Name:   "TestStaticInitializers.py",
	}

	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{name: "empty selects all", pattern: "", want: true},
		{name: "substring", pattern: "static-init", want: true},
		{name: "substring miss", pattern: "breakpoint", want: false},
		{name: "doublestar", pattern: "commands/**/Test*.py", want: true},
		{name: "single star does not cross dirs", pattern: "commands/*.py", want: false},
		{name: "alternatives", pattern: "{lang,commands}/**", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, err := Filter(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, keep(tc))
		})
	}

	_, err := Filter("commands/[")
	require.Error(t, err)
}
