package models

import (
	"testing"
	"time"
)

func TestCanTransition_AllowsExpectedPaths(t *testing.T) {
	cases := []struct {
		from JobStatus
		to   JobStatus
	}{
		{JobStatusPending, JobStatusProcessing},
		{JobStatusProcessing, JobStatusPending},
		{JobStatusProcessing, JobStatusComplete},
		{JobStatusProcessing, JobStatusFailed},
	}

	for _, tc := range cases {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be allowed", tc.from, tc.to)
		}
	}
}

func TestCanTransition_RejectsInvalidPaths(t *testing.T) {
	cases := []struct {
		from JobStatus
		to   JobStatus
	}{
		{JobStatusPending, JobStatusComplete},
		{JobStatusPending, JobStatusFailed},
		{JobStatusComplete, JobStatusPending},
		{JobStatusComplete, JobStatusProcessing},
		{JobStatusFailed, JobStatusPending},
		{JobStatusFailed, JobStatusProcessing},
		{"archived", JobStatusPending},
	}

	for _, tc := range cases {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("expected transition %q -> %q to be rejected", tc.from, tc.to)
		}
	}
}

func TestSourcesFor(t *testing.T) {
	got := SourcesFor(JobStatusPending)
	if len(got) != 1 || got[0] != JobStatusProcessing {
		t.Fatalf("sources for pending = %v, want [processing]", got)
	}
	got = SourcesFor(JobStatusProcessing)
	if len(got) != 1 || got[0] != JobStatusPending {
		t.Fatalf("sources for processing = %v, want [pending]", got)
	}
	for _, terminal := range []JobStatus{JobStatusComplete, JobStatusFailed} {
		got = SourcesFor(terminal)
		if len(got) != 1 || got[0] != JobStatusProcessing {
			t.Fatalf("sources for %s = %v, want [processing]", terminal, got)
		}
	}
}

func TestTransition_BlocksIllegalTransition(t *testing.T) {
	job := Job{Status: JobStatusComplete}
	if err := Transition(&job, JobStatusPending); err == nil {
		t.Fatalf("expected illegal transition error")
	}
	if job.Status != JobStatusComplete {
		t.Fatalf("status changed on rejected transition: %s", job.Status)
	}
}

func TestJobEligible(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	cases := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending no retry", Job{Status: JobStatusPending}, true},
		{"pending retry due", Job{Status: JobStatusPending, NextRetryAt: &past}, true},
		{"pending retry exactly now", Job{Status: JobStatusPending, NextRetryAt: &now}, true},
		{"pending retry in future", Job{Status: JobStatusPending, NextRetryAt: &future}, false},
		{"processing", Job{Status: JobStatusProcessing}, false},
		{"failed", Job{Status: JobStatusFailed}, false},
	}

	for _, tc := range cases {
		if got := tc.job.Eligible(now); got != tc.want {
			t.Fatalf("%s: Eligible = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestJobCanRetry(t *testing.T) {
	if !(Job{AttemptCount: 0, MaxAttempts: 3}).CanRetry() {
		t.Fatalf("attempt 0 of 3 should retry")
	}
	if !(Job{AttemptCount: 1, MaxAttempts: 3}).CanRetry() {
		t.Fatalf("attempt 1 of 3 should retry")
	}
	if (Job{AttemptCount: 2, MaxAttempts: 3}).CanRetry() {
		t.Fatalf("attempt 2 of 3 should be exhausted")
	}
}
