// Package discovery finds dotest child test files in a suite tree.
//
// A child test is a regular file whose name starts with "Test" and whose
// extension is one of the configured suffixes, e.g. TestStaticInitializers.py.
package discovery

import (
	"fmt"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TestPrefix is the case-sensitive prefix every child test file carries.
const TestPrefix = "Test"

// TestCase identifies one discoverable child test. It is immutable.
type TestCase struct {
	// SuiteRoot is the root the test was discovered under.
	SuiteRoot string
	// Dir is the directory containing the test file.
	Dir string
	// RelDir is Dir relative to SuiteRoot, slash separated ("." for the root).
	RelDir string
	// Name is the file name, e.g. "TestStaticInitializers.py".
	Name string
	// Stem is Name without its extension.
	Stem string
	// Ext is the extension including the dot.
	Ext string
}

// ID returns the suite-relative identifier of the test, e.g.
// "commands/expression/static-initializers/TestStaticInitializers.py".
func (tc TestCase) ID() string {
	if tc.RelDir == "" || tc.RelDir == "." {
		return tc.Name
	}

	return tc.RelDir + "/" + tc.Name
}

// Path returns the full path of the test file.
func (tc TestCase) Path() string {
	return filepath.Join(tc.Dir, tc.Name)
}

// DirConfig is the discovery configuration in effect for one directory.
type DirConfig struct {
	Excludes    map[string]struct{}
	Suffixes    map[string]struct{}
	Unsupported bool
}

// NewDirConfig builds a DirConfig from exclusion names and suffixes.
func NewDirConfig(excludes, suffixes []string) DirConfig {
	dc := DirConfig{
		Excludes: make(map[string]struct{}, len(excludes)),
		Suffixes: make(map[string]struct{}, len(suffixes)),
	}

	for _, e := range excludes {
		dc.Excludes[e] = struct{}{}
	}

	for _, s := range suffixes {
		dc.Suffixes[s] = struct{}{}
	}

	return dc
}

// Accepts reports whether a directory entry with the given name would be
// yielded as a test. It applies the dot/exclusion rule, the prefix rule and
// the suffix rule; the directory rule is left to the caller.
func (dc DirConfig) Accepts(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}

	if _, excluded := dc.Excludes[name]; excluded {
		return false
	}

	if !strings.HasPrefix(name, TestPrefix) {
		return false
	}

	_, ok := dc.Suffixes[filepath.Ext(name)]

	return ok
}

// Override adjusts discovery for one suite-relative directory and the
// directories beneath it.
type Override struct {
	Path        string
	Excludes    []string
	Suffixes    []string
	Unsupported bool
}

// Config is the suite-wide discovery configuration.
type Config struct {
	Excludes    []string
	Suffixes    []string
	Unsupported bool
	Overrides   []Override
}

// ForDir resolves the effective configuration for a suite-relative
// directory. Overrides apply to their directory and all descendants, with
// deeper overrides applied last: excludes accumulate, suffixes replace.
func (c Config) ForDir(relDir string) DirConfig {
	relDir = path.Clean(filepath.ToSlash(relDir))

	excludes := append([]string(nil), c.Excludes...)
	suffixes := c.Suffixes
	unsupported := c.Unsupported

	for _, o := range c.matchingOverrides(relDir) {
		excludes = append(excludes, o.Excludes...)

		if len(o.Suffixes) > 0 {
			suffixes = o.Suffixes
		}

		if o.Unsupported {
			unsupported = true
		}
	}

	dc := NewDirConfig(excludes, suffixes)
	dc.Unsupported = unsupported

	return dc
}

// matchingOverrides returns overrides covering relDir, shallowest first.
func (c Config) matchingOverrides(relDir string) []Override {
	matched := make([]Override, 0, len(c.Overrides))

	for _, o := range c.Overrides {
		p := path.Clean(filepath.ToSlash(o.Path))
		if p == "." || p == relDir || strings.HasPrefix(relDir, p+"/") {
			matched = append(matched, o)
		}
	}

	// Stable insertion sort by depth; override lists are short.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && depth(matched[j].Path) < depth(matched[j-1].Path); j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}

	return matched
}

func depth(p string) int {
	p = path.Clean(filepath.ToSlash(p))
	if p == "." {
		return 0
	}

	return strings.Count(p, "/") + 1
}

// Discover lists the child tests directly inside dir. The sequence is lazy
// and restartable: every iteration re-reads the directory. If the directory
// cannot be listed the sequence yields a single error wrapping the
// underlying one (fs.ErrNotExist for a missing directory) and stops.
func Discover(dir string, dc DirConfig) iter.Seq2[TestCase, error] {
	return discoverIn(dir, dir, ".", dc)
}

func discoverIn(root, dir, relDir string, dc DirConfig) iter.Seq2[TestCase, error] {
	return func(yield func(TestCase, error) bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			yield(TestCase{}, fmt.Errorf("listing %s: %w", dir, err))

			return
		}

		for _, entry := range entries {
			name := entry.Name()

			if strings.HasPrefix(name, ".") {
				continue
			}

			if _, excluded := dc.Excludes[name]; excluded {
				continue
			}

			if !strings.HasPrefix(name, TestPrefix) {
				continue
			}

			if isDir(dir, entry) {
				continue
			}

			ext := filepath.Ext(name)
			if _, ok := dc.Suffixes[ext]; !ok {
				continue
			}

			tc := TestCase{
				SuiteRoot: root,
				Dir:       dir,
				RelDir:    relDir,
				Name:      name,
				Stem:      strings.TrimSuffix(name, ext),
				Ext:       ext,
			}

			if !yield(tc, nil) {
				return
			}
		}
	}
}

// isDir follows symlinks, matching os.path.isdir semantics.
func isDir(dir string, entry os.DirEntry) bool {
	if entry.IsDir() {
		return true
	}

	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}

	info, err := os.Stat(filepath.Join(dir, entry.Name()))

	return err == nil && info.IsDir()
}

// Walk discovers tests in root and every directory below it. Hidden
// directories and directories named in the effective exclusion set are not
// entered. A directory that cannot be listed yields an error; the walk
// continues only if the consumer keeps iterating.
func Walk(root string, cfg Config) iter.Seq2[TestCase, error] {
	return func(yield func(TestCase, error) bool) {
		walkDir(root, root, ".", cfg, yield)
	}
}

// walkDir returns false when the consumer stopped iterating.
func walkDir(root, dir, relDir string, cfg Config, yield func(TestCase, error) bool) bool {
	dc := cfg.ForDir(relDir)

	for tc, err := range discoverIn(root, dir, relDir, dc) {
		if !yield(tc, err) {
			return false
		}

		if err != nil {
			return true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Already reported by discoverIn.
		return true
	}

	for _, entry := range entries {
		name := entry.Name()

		if strings.HasPrefix(name, ".") {
			continue
		}

		if _, excluded := dc.Excludes[name]; excluded {
			continue
		}

		if !entry.IsDir() {
			continue
		}

		childRel := name
		if relDir != "." {
			childRel = relDir + "/" + name
		}

		if !walkDir(root, filepath.Join(dir, name), childRel, cfg, yield) {
			return false
		}
	}

	return true
}

// Filter returns a predicate selecting tests by ID. Patterns containing
// glob metacharacters are matched with doublestar semantics
// ("commands/**/Test*.py"); plain patterns match as substrings. An empty
// pattern selects everything.
func Filter(pattern string) (func(TestCase) bool, error) {
	if pattern == "" {
		return func(TestCase) bool { return true }, nil
	}

	if !strings.ContainsAny(pattern, "*?[{") {
		return func(tc TestCase) bool {
			return strings.Contains(tc.ID(), pattern)
		}, nil
	}

	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid filter pattern %q", pattern)
	}

	return func(tc TestCase) bool {
		ok, _ := doublestar.Match(pattern, tc.ID())

		return ok
	}, nil
}

// Collect drains a discovery sequence, keeping tests that satisfy keep.
// It stops at the first error.
func Collect(seq iter.Seq2[TestCase, error], keep func(TestCase) bool) ([]TestCase, error) {
	tests := make([]TestCase, 0, 64)

	for tc, err := range seq {
		if err != nil {
			return nil, err
		}

		if keep == nil || keep(tc) {
			tests = append(tests, tc)
		}
	}

	return tests, nil
}
