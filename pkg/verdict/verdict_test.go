package verdict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		outcome  Outcome
		expected Verdict
		rule     string
	}{
		{
			name: "clean pass",
			outcome: Outcome{
				Stderr: "Ran 2 tests in 3.1s\nRESULT: PASSED (2 passes, 0 failures)\n",
			},
			expected: Pass,
		},
		{
			name: "result line on stdout",
			outcome: Outcome{
				Stdout: "RESULT: PASSED (1 passes)\n",
			},
			expected: Pass,
		},
		{
			name: "zero exit but only unsupported",
			outcome: Outcome{
				Stderr: "UNSUPPORTED: LLDB (clang-aarch64) :: test_dwarf (requires darwin)\nRESULT: PASSED (0 passes, 1 skipped)\n",
			},
			expected: Unsupported,
			rule:     "only-unsupported",
		},
		{
			name: "unsupported mixed with passes",
			outcome: Outcome{
				Stdout: "UNSUPPORTED: test_dsym\n",
				Stderr: "PASS: test_dwarf\nRESULT: PASSED\n",
			},
			expected: Pass,
		},
		{
			name: "zero exit without result line",
			outcome: Outcome{
				Stdout: "Ran 0 tests\n",
			},
			expected: Unresolved,
			rule:     "missing-result-line",
		},
		{
			name:     "empty output",
			outcome:  Outcome{},
			expected: Unresolved,
			rule:     "missing-result-line",
		},
		{
			name: "nonzero exit with xpass",
			outcome: Outcome{
				ExitCode: 1,
				Stderr:   "XPASS: LLDB (clang-aarch64) :: test (StaticInitializers)\n",
			},
			expected: XPass,
			rule:     "unexpected-pass",
		},
		{
			name: "nonzero exit without marker",
			outcome: Outcome{
				ExitCode: 1,
				Stderr:   "FAIL: test_failing_init\nRESULT: FAILED\n",
			},
			expected: Fail,
			rule:     "nonzero-exit",
		},
		{
			name: "nonzero exit ignores passed line",
			outcome: Outcome{
				ExitCode: 2,
				Stdout:   "RESULT: PASSED\n",
			},
			expected: Fail,
			rule:     "nonzero-exit",
		},
		{
			name: "negative exit code from signal",
			outcome: Outcome{
				ExitCode: -1,
			},
			expected: Fail,
			rule:     "nonzero-exit",
		},
		{
			name: "timeout beats every marker",
			outcome: Outcome{
				ExitCode: 1,
				TimedOut: true,
				Stdout:   "XPASS: x\nRESULT: PASSED\n",
			},
			expected: Timeout,
			rule:     "timeout",
		},
		{
			name: "timeout with zero exit",
			outcome: Outcome{
				TimedOut: true,
				Stdout:   "RESULT: PASSED\n",
			},
			expected: Timeout,
			rule:     "timeout",
		},
		{
			name: "markers are case sensitive",
			outcome: Outcome{
				Stdout: "result: passed\n",
			},
			expected: Unresolved,
			rule:     "missing-result-line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rule := Default().Classify(tt.outcome)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.rule, rule)
			assert.Equal(t, tt.expected, Classify(tt.outcome))
		})
	}
}

func TestOutcome_ContainsDoesNotSpanStreams(t *testing.T) {
	o := Outcome{Stdout: "RESULT: ", Stderr: "PASSED"}

	assert.False(t, o.Contains(MarkerPassedLine))
	assert.Equal(t, Unresolved, Classify(o))
}

func TestClassifier_CustomRules(t *testing.T) {
	c := &Classifier{
		Rules: []Rule{
			{Name: "always-fail", Verdict: Fail, Match: func(Outcome) bool { return true }},
			{Name: "never", Verdict: XPass, Match: func(Outcome) bool { return true }},
		},
		Fallback: Pass,
	}

	v, rule := c.Classify(Outcome{})
	assert.Equal(t, Fail, v)
	assert.Equal(t, "always-fail", rule)

	empty := &Classifier{Fallback: Unresolved}
	v, rule = empty.Classify(Outcome{})
	assert.Equal(t, Unresolved, v)
	assert.Empty(t, rule)
}

func TestIsFailure(t *testing.T) {
	failures := map[Verdict]bool{
		Pass:        false,
		Unsupported: false,
		XPass:       true,
		Fail:        true,
		Unresolved:  true,
		Timeout:     true,
	}

	for v, want := range failures {
		assert.Equal(t, want, v.IsFailure(), v.String())
	}

	assert.Len(t, All, len(failures))
}

func TestParse(t *testing.T) {
	v, err := Parse("xpass")
	require.NoError(t, err)
	assert.Equal(t, XPass, v)

	v, err = Parse(" TIMEOUT ")
	require.NoError(t, err)
	assert.Equal(t, Timeout, v)

	_, err = Parse("flaky")
	require.Error(t, err)
}
