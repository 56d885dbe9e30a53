package results

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/dotestoor/pkg/sysinfo"
	"github.com/ethpandaops/dotestoor/pkg/verdict"
)

// GenerateRunMarkdown generates a markdown summary for a single run
// directory. The output is capped at maxChars characters; 0 disables the cap.
func GenerateRunMarkdown(runDir, runID string, maxChars int) (string, error) {
	cfg, err := ReadRunConfig(runDir)
	if err != nil {
		return "", err
	}

	// result.json may not exist for crashed runs.
	result, readErr := ReadRunResult(runDir)
	if readErr != nil {
		result = nil
	}

	counts := cfg.TestCounts
	if counts == nil && result != nil {
		counts = result.Counts()
	}

	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, runID)
	writeOverview(&sb, cfg)
	writeVerdicts(&sb, counts)
	writeSystem(&sb, cfg.System)

	// Failing tests go last so truncation only ever cuts this section.
	writeFailingTests(&sb, collectFailingTests(result), maxChars)

	return sb.String(), nil
}

func writeTitle(sb *strings.Builder, runID string) {
	fmt.Fprintf(sb, "# Test Run: %s\n\n", runID)
}

func writeOverview(sb *strings.Builder, cfg *RunConfig) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if cfg.Status != "" {
		fmt.Fprintf(sb, "| Status | %s |\n", cfg.Status)
	}

	if cfg.TerminationReason != "" {
		fmt.Fprintf(sb, "| Termination Reason | %s |\n", cfg.TerminationReason)
	}

	if cfg.Timestamp > 0 {
		fmt.Fprintf(sb, "| Started | %s |\n", time.Unix(cfg.Timestamp, 0).UTC().Format(time.RFC3339))
	}

	if cfg.Timestamp > 0 && cfg.TimestampEnd >= cfg.Timestamp {
		fmt.Fprintf(sb, "| Duration | %s |\n",
			formatDuration(time.Duration(cfg.TimestampEnd-cfg.Timestamp)*time.Second))
	}

	if cfg.Suite != nil && cfg.Suite.SourceDir != "" {
		fmt.Fprintf(sb, "| Source | `%s` |\n", cfg.Suite.SourceDir)
	}

	if cfg.SuiteHash != "" {
		fmt.Fprintf(sb, "| Suite Hash | `%s` |\n", cfg.SuiteHash)
	}

	if cfg.Version != "" {
		fmt.Fprintf(sb, "| Version | %s |\n", cfg.Version)
	}

	sb.WriteByte('\n')
}

func writeVerdicts(sb *strings.Builder, counts *TestCounts) {
	sb.WriteString("## Results\n\n")

	if counts == nil || counts.Total == 0 {
		sb.WriteString("No tests were run.\n\n")

		return
	}

	sb.WriteString("| Verdict | Count |\n")
	sb.WriteString("|---|---:|\n")

	for _, v := range verdict.All {
		if n := counts.Verdicts[v.String()]; n > 0 {
			fmt.Fprintf(sb, "| %s | %d |\n", v, n)
		}
	}

	fmt.Fprintf(sb, "| **Total** | **%d** |\n\n", counts.Total)
}

func writeSystem(sb *strings.Builder, sys *sysinfo.SystemInfo) {
	if sys == nil {
		return
	}

	sb.WriteString("## System\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalGB > 0 {
		fmt.Fprintf(sb, "| Memory | %.1f GB |\n", sys.MemoryTotalGB)
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	if sys.KernelVersion != "" {
		fmt.Fprintf(sb, "| Kernel | %s |\n", sys.KernelVersion)
	}

	sb.WriteByte('\n')
}

func writeFailingTests(sb *strings.Builder, failing []*TestRecord, maxChars int) {
	if len(failing) == 0 {
		return
	}

	sb.WriteString("## Failing Tests\n\n")
	sb.WriteString("| Test | Verdict | Exit Code |\n")
	sb.WriteString("|---|---|---:|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, t := range failing {
		row := fmt.Sprintf("| `%s` | %s | %d |\n", t.ID, t.Verdict, t.ExitCode)

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failing test(s) not shown (output truncated at %d chars)*\n",
				len(failing)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// collectFailingTests returns the tests with a failure verdict, sorted by ID.
func collectFailingTests(result *RunResult) []*TestRecord {
	if result == nil {
		return nil
	}

	failing := make([]*TestRecord, 0)

	for _, t := range result.Sorted() {
		if verdict.Verdict(t.Verdict).IsFailure() {
			failing = append(failing, t)
		}
	}

	return failing
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
