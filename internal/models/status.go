package models

import "fmt"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// complete and failed are absorbing: nothing leaves them.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true,
	},
	JobStatusProcessing: {
		JobStatusPending:  true, // retry or stale requeue
		JobStatusComplete: true,
		JobStatusFailed:   true,
	},
	JobStatusComplete: {},
	JobStatusFailed:   {},
}

func (s JobStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// SourcesFor lists every status that may move to target, in a stable order.
// Store writes use it as their compare-and-swap guard.
func SourcesFor(target JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusComplete, JobStatusFailed} {
		if CanTransition(from, target) {
			out = append(out, from)
		}
	}
	return out
}

// Transition moves job to status or returns an error if the edge is illegal.
func Transition(job *Job, to JobStatus) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("illegal job transition %q -> %q", job.Status, to)
	}
	job.Status = to
	return nil
}
