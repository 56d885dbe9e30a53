package store

import "time"

// Run is one suite execution.
type Run struct {
	ID                uint   `gorm:"primaryKey" json:"-"`
	RunID             string `gorm:"not null;uniqueIndex" json:"run_id"`
	Timestamp         int64  `gorm:"index" json:"timestamp"`
	TimestampEnd      int64  `json:"timestamp_end,omitempty"`
	SuiteHash         string `gorm:"index" json:"suite_hash,omitempty"`
	SourceDir         string `json:"source_dir"`
	Status            string `json:"status"`
	TerminationReason string `json:"termination_reason,omitempty"`
	Hostname          string `json:"hostname,omitempty"`
	Version           string `json:"version,omitempty"`

	// Denormalized verdict counts.
	TestsTotal    int `json:"tests_total"`
	TestsFailures int `json:"tests_failures"`
	Passed        int `json:"passed"`
	Failed        int `json:"failed"`
	XPassed       int `json:"xpassed"`
	Unsupported   int `json:"unsupported"`
	Unresolved    int `json:"unresolved"`
	TimedOut      int `json:"timed_out"`

	IndexedAt time.Time `json:"indexed_at"`
}

// TestResult is the verdict of one test within a run.
type TestResult struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	RunID      string `gorm:"not null;uniqueIndex:idx_tr_run_test" json:"run_id"`
	TestID     string `gorm:"not null;uniqueIndex:idx_tr_run_test;index" json:"test_id"`
	Verdict    string `gorm:"not null;index" json:"verdict"`
	ExitCode   int    `json:"exit_code"`
	DurationNS int64  `json:"duration_ns"`
	StartedAt  int64  `gorm:"index" json:"started_at"`
	Executed   bool   `json:"executed"`
	Rule       string `json:"rule,omitempty"`
}
