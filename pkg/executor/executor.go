package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ethpandaops/dotestoor/pkg/discovery"
	"github.com/ethpandaops/dotestoor/pkg/process"
	"github.com/ethpandaops/dotestoor/pkg/sandbox"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
	"github.com/sirupsen/logrus"
)

// ReasonUnsupported is the transcript of a test flagged unsupported by
// configuration.
const ReasonUnsupported = "Test is unsupported"

// Executor runs one child test through dotest and classifies it.
type Executor interface {
	Start(ctx context.Context) error
	Stop() error

	// Execute runs tc and always returns a result. Failures to start the
	// child are reported as UNRESOLVED.
	Execute(ctx context.Context, tc discovery.TestCase) *Result
}

// Spawner starts a child process and waits for it.
type Spawner interface {
	Run(ctx context.Context, cmd process.Command) (*process.Result, error)
}

// Result is the verdict and transcript of one test.
type Result struct {
	Test      discovery.TestCase
	Verdict   verdict.Verdict
	Output    string
	ExitCode  int
	Duration  time.Duration
	StartedAt time.Time
	// Executed is false when the test was decided without starting a child.
	Executed bool
	// Rule names the classification rule that matched, if any.
	Rule string
}

// Config for the executor.
type Config struct {
	Interpreter string
	// BaseArgs sit between the interpreter and the test location, e.g.
	// ["dotest.py", "--build-dir", "build"].
	BaseArgs []string
	// Env is the complete child environment. The sandbox policy inspects the
	// same map the child receives.
	Env       map[string]string
	Timeout   time.Duration
	MaxOutput int64
	NoExecute bool

	Capabilities         map[string]bool
	RequiredCapabilities []string
	// Discovery supplies the per-directory unsupported flag.
	Discovery discovery.Config

	Sandbox    sandbox.Policy
	Spawner    Spawner
	Classifier *verdict.Classifier
}

// NewExecutor creates a new executor instance.
func NewExecutor(log logrus.FieldLogger, cfg *Config) Executor {
	return &executor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}
}

type executor struct {
	log        logrus.FieldLogger
	cfg        *Config
	sandbox    sandbox.Policy
	spawner    Spawner
	classifier *verdict.Classifier
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

// Start fills in collaborators left unset in the config.
func (e *executor) Start(_ context.Context) error {
	if e.cfg.Interpreter == "" {
		return fmt.Errorf("no interpreter configured")
	}

	e.sandbox = e.cfg.Sandbox
	if e.sandbox == nil {
		e.sandbox = sandbox.Noop{}
	}

	e.spawner = e.cfg.Spawner
	if e.spawner == nil {
		e.spawner = &process.Runner{}
	}

	e.classifier = e.cfg.Classifier
	if e.classifier == nil {
		e.classifier = verdict.Default()
	}

	e.log.WithFields(logrus.Fields{
		"interpreter": e.cfg.Interpreter,
		"timeout":     e.cfg.Timeout,
		"no_execute":  e.cfg.NoExecute,
	}).Debug("Executor started")

	return nil
}

// Stop cleans up the executor.
func (e *executor) Stop() error {
	e.log.Debug("Executor stopped")

	return nil
}

// Execute runs a single test.
func (e *executor) Execute(ctx context.Context, tc discovery.TestCase) *Result {
	res := &Result{
		Test:      tc,
		StartedAt: time.Now(),
	}

	defer func() {
		res.Duration = time.Since(res.StartedAt)
	}()

	if e.cfg.NoExecute {
		res.Verdict = verdict.Pass

		return res
	}

	if reason := e.gate(tc); reason != "" {
		res.Verdict = verdict.Unsupported
		res.Output = reason

		return res
	}

	argv := e.argv(tc)
	log := e.log.WithField("test", tc.ID())

	rewritten, err := e.sandbox.Apply(ctx, argv, e.cfg.Env)
	if err != nil {
		log.WithError(err).Warn("Sandbox policy failed")

		res.Verdict = verdict.Unresolved
		res.ExitCode = -1
		res.Output = ErrorTranscript(argv, err)

		return res
	}

	argv = rewritten

	cmd := process.Command{
		Path:      argv[0],
		Args:      argv[1:],
		Env:       e.cfg.Env,
		Timeout:   e.cfg.Timeout,
		MaxOutput: e.cfg.MaxOutput,
	}

	out, err := e.spawner.Run(ctx, cmd)
	res.Executed = true

	if err != nil {
		log.WithError(err).Warn("Child process did not complete")

		res.Verdict = verdict.Unresolved
		res.ExitCode = -1
		res.Output = ErrorTranscript(argv, err)

		if out != nil {
			res.ExitCode = out.ExitCode
			res.Output += outputBlocks(out)
		}

		return res
	}

	res.ExitCode = out.ExitCode
	res.Output = Transcript(argv, out, e.cfg.Timeout)
	res.Verdict, res.Rule = e.classifier.Classify(verdict.Outcome{
		ExitCode: out.ExitCode,
		TimedOut: out.TimedOut,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	})

	if out.StdoutTruncated || out.StderrTruncated {
		log.WithField("max_output", e.cfg.MaxOutput).Warn("Child output truncated")
	}

	return res
}

// gate returns a one-line reason when tc must not run.
func (e *executor) gate(tc discovery.TestCase) string {
	for _, capability := range e.cfg.RequiredCapabilities {
		if !e.cfg.Capabilities[capability] {
			return capitalize(capability) + " module disabled"
		}
	}

	if e.cfg.Discovery.ForDir(tc.RelDir).Unsupported {
		return ReasonUnsupported
	}

	return ""
}

// argv builds <interpreter> <base args...> <dir> -p <file>. Directory and
// file are passed separately so dotest can resolve the file itself.
func (e *executor) argv(tc discovery.TestCase) []string {
	argv := make([]string, 0, len(e.cfg.BaseArgs)+4)
	argv = append(argv, e.cfg.Interpreter)
	argv = append(argv, e.cfg.BaseArgs...)
	argv = append(argv, tc.Dir, "-p", tc.Name)

	return argv
}

// Transcript renders the human readable record of one child run.
func Transcript(argv []string, out *process.Result, timeout time.Duration) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Script:\n--\n%s\n--\nExit Code: %d\n", strings.Join(argv, " "), out.ExitCode)

	if out.TimedOut {
		fmt.Fprintf(&b, "Timeout: Reached timeout of %s seconds\n", formatSeconds(timeout))
	}

	b.WriteString("\n")
	b.WriteString(outputBlocks(out))

	return b.String()
}

// ErrorTranscript records a child that could not be run to completion.
func ErrorTranscript(argv []string, err error) string {
	return fmt.Sprintf("Script:\n--\n%s\n--\nError: %s\n\n", strings.Join(argv, " "), err)
}

func outputBlocks(out *process.Result) string {
	var b strings.Builder

	if out.Stdout != "" {
		fmt.Fprintf(&b, "Command Output (stdout):\n--\n%s\n--\n", out.Stdout)
	}

	if out.Stderr != "" {
		fmt.Fprintf(&b, "Command Output (stderr):\n--\n%s\n--\n", out.Stderr)
	}

	return b.String()
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}

	return string(unicode.ToUpper(r)) + s[size:]
}
