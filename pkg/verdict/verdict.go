package verdict

import (
	"fmt"
	"strings"
)

// Verdict is the terminal classification of one test run.
type Verdict string

const (
	Pass        Verdict = "PASS"
	Fail        Verdict = "FAIL"
	XPass       Verdict = "XPASS"
	Unsupported Verdict = "UNSUPPORTED"
	Unresolved  Verdict = "UNRESOLVED"
	Timeout     Verdict = "TIMEOUT"
)

// All lists every verdict in report order.
var All = []Verdict{Pass, Unsupported, XPass, Fail, Unresolved, Timeout}

// Markers recognised in child output. Matching is exact and case-sensitive.
const (
	MarkerXPass       = "XPASS:"
	MarkerUnsupported = "UNSUPPORTED:"
	MarkerPass        = "PASS:"
	MarkerPassedLine  = "RESULT: PASSED"
)

// String returns the verdict name.
func (v Verdict) String() string {
	return string(v)
}

// IsFailure reports whether the verdict should fail the overall run.
func (v Verdict) IsFailure() bool {
	switch v {
	case Fail, XPass, Unresolved, Timeout:
		return true
	default:
		return false
	}
}

// Parse converts a verdict name (any case) into a Verdict.
func Parse(s string) (Verdict, error) {
	upper := Verdict(strings.ToUpper(strings.TrimSpace(s)))

	for _, v := range All {
		if v == upper {
			return v, nil
		}
	}

	return "", fmt.Errorf("unknown verdict %q", s)
}

// Outcome is what the classifier knows about a finished child process.
type Outcome struct {
	ExitCode int
	TimedOut bool
	Stdout   string
	Stderr   string
}

// Contains reports whether either stream contains marker. Streams are
// checked separately so a marker never matches across the boundary.
func (o Outcome) Contains(marker string) bool {
	return strings.Contains(o.Stdout, marker) || strings.Contains(o.Stderr, marker)
}

// Rule maps a predicate over an Outcome to a verdict.
type Rule struct {
	Name    string
	Verdict Verdict
	Match   func(o Outcome) bool
}

// DefaultRules is the dotest classification cascade, evaluated in order,
// first match wins. An outcome matching no rule is a PASS.
var DefaultRules = []Rule{
	{
		Name:    "timeout",
		Verdict: Timeout,
		Match:   func(o Outcome) bool { return o.TimedOut },
	},
	{
		Name:    "unexpected-pass",
		Verdict: XPass,
		Match:   func(o Outcome) bool { return o.ExitCode != 0 && o.Contains(MarkerXPass) },
	},
	{
		Name:    "nonzero-exit",
		Verdict: Fail,
		Match:   func(o Outcome) bool { return o.ExitCode != 0 },
	},
	{
		Name:    "only-unsupported",
		Verdict: Unsupported,
		Match: func(o Outcome) bool {
			return o.Contains(MarkerUnsupported) && !o.Contains(MarkerPass)
		},
	},
	{
		Name:    "missing-result-line",
		Verdict: Unresolved,
		Match:   func(o Outcome) bool { return !o.Contains(MarkerPassedLine) },
	},
}

// Classifier evaluates an ordered rule list.
type Classifier struct {
	Rules    []Rule
	Fallback Verdict
}

// Default returns a classifier using DefaultRules with a PASS fallback.
func Default() *Classifier {
	return &Classifier{Rules: DefaultRules, Fallback: Pass}
}

// Classify returns the verdict of the first matching rule and its name.
// The name is "" when the fallback applied.
func (c *Classifier) Classify(o Outcome) (Verdict, string) {
	for _, r := range c.Rules {
		if r.Match(o) {
			return r.Verdict, r.Name
		}
	}

	return c.Fallback, ""
}

// Classify applies DefaultRules.
func Classify(o Outcome) Verdict {
	v, _ := Default().Classify(o)

	return v
}
