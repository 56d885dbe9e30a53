package results

import (
	"encoding/xml"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/verdict"
)

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name      string      `xml:"name,attr"`
	Tests     int         `xml:"tests,attr"`
	Failures  int         `xml:"failures,attr"`
	Skipped   int         `xml:"skipped,attr"`
	Time      string      `xml:"time,attr"`
	TestCases []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitMessage `xml:"failure,omitempty"`
	Skipped   *junitMessage `xml:"skipped,omitempty"`
}

type junitMessage struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Body    string `xml:",chardata"`
}

// GenerateJUnit renders the run as JUnit XML. FAIL, XPASS, UNRESOLVED and
// TIMEOUT become failures, UNSUPPORTED becomes skipped.
func GenerateJUnit(result *RunResult) ([]byte, error) {
	suite := junitSuite{
		Name:      "dotest",
		TestCases: make([]junitCase, 0, len(result.Tests)),
	}

	var total time.Duration

	for _, t := range result.Sorted() {
		d := time.Duration(t.DurationNS)
		total += d

		dir, name := path.Split(t.ID)

		tc := junitCase{
			Name:      name,
			ClassName: className(dir),
			Time:      seconds(d),
		}

		v := verdict.Verdict(t.Verdict)

		switch {
		case v.IsFailure():
			tc.Failure = &junitMessage{
				Message: fmt.Sprintf("%s (exit code %d)", v, t.ExitCode),
				Type:    v.String(),
				Body:    "See " + t.LogFile,
			}
			suite.Failures++
		case v == verdict.Unsupported:
			tc.Skipped = &junitMessage{Message: v.String()}
			suite.Skipped++
		}

		suite.Tests++
		suite.TestCases = append(suite.TestCases, tc)
	}

	suite.Time = seconds(total)

	doc := junitSuites{
		Name:     result.RunID,
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Skipped:  suite.Skipped,
		Time:     suite.Time,
		Suites:   []junitSuite{suite},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}

	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// className turns "commands/expression/" into "commands.expression".
func className(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return "dotest"
	}

	return strings.ReplaceAll(dir, "/", ".")
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
