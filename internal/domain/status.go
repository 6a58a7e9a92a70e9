package domain

import (
	"fmt"
	"slices"
)

type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusTiling              JobStatus = "tiling"
	JobStatusQueuedForGeneration JobStatus = "queued_for_generation"
	JobStatusGenerating          JobStatus = "generating"
	JobStatusCompositing         JobStatus = "compositing"
	JobStatusComplete            JobStatus = "complete"
	JobStatusFailed              JobStatus = "failed"
)

// jobTransitions lists the legal successors of each job status. Failed is
// reachable from every non-terminal status.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:             {JobStatusTiling, JobStatusFailed},
	JobStatusTiling:              {JobStatusQueuedForGeneration, JobStatusFailed},
	JobStatusQueuedForGeneration: {JobStatusGenerating, JobStatusCompositing, JobStatusFailed},
	JobStatusGenerating:          {JobStatusCompositing, JobStatusFailed},
	JobStatusCompositing:         {JobStatusComplete, JobStatusFailed},
	JobStatusComplete:            nil,
	JobStatusFailed:              nil,
}

// ActiveJobStatuses count against the global concurrency limit.
var ActiveJobStatuses = []JobStatus{
	JobStatusTiling,
	JobStatusQueuedForGeneration,
	JobStatusGenerating,
	JobStatusCompositing,
}

func ParseJobStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if _, ok := jobTransitions[status]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return status, nil
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

func (s JobStatus) Active() bool {
	return slices.Contains(ActiveJobStatuses, s)
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	return slices.Contains(jobTransitions[s], to)
}

// Predecessors returns every status that may legally move to s.
func (s JobStatus) Predecessors() []JobStatus {
	var out []JobStatus
	for from, successors := range jobTransitions {
		if slices.Contains(successors, s) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

type TileStatus string

const (
	TileStatusPendingAnalysis   TileStatus = "pending_analysis"
	TileStatusAnalyzing         TileStatus = "analyzing"
	TileStatusAnalysisFailed    TileStatus = "analysis_failed"
	TileStatusPendingGeneration TileStatus = "pending_generation"
	TileStatusGenerating        TileStatus = "generating"
	TileStatusGenerationFailed  TileStatus = "generation_failed"
	TileStatusComplete          TileStatus = "complete"
)

var tileTransitions = map[TileStatus][]TileStatus{
	TileStatusPendingAnalysis:   {TileStatusAnalyzing},
	TileStatusAnalyzing:         {TileStatusComplete, TileStatusAnalysisFailed},
	TileStatusPendingGeneration: {TileStatusGenerating},
	TileStatusGenerating:        {TileStatusComplete, TileStatusGenerationFailed},
	TileStatusAnalysisFailed:    nil,
	TileStatusGenerationFailed:  nil,
	TileStatusComplete:          nil,
}

var FailedTileStatuses = []TileStatus{TileStatusAnalysisFailed, TileStatusGenerationFailed}

func ParseTileStatus(s string) (TileStatus, error) {
	status := TileStatus(s)
	if _, ok := tileTransitions[status]; !ok {
		return "", fmt.Errorf("unknown tile status %q", s)
	}
	return status, nil
}

func (s TileStatus) Failed() bool {
	return slices.Contains(FailedTileStatuses, s)
}

func (s TileStatus) CanTransition(to TileStatus) bool {
	return slices.Contains(tileTransitions[s], to)
}

// StallTarget maps an in-flight tile status to the failed status a stall
// resets it to.
func (s TileStatus) StallTarget() (TileStatus, bool) {
	switch s {
	case TileStatusAnalyzing:
		return TileStatusAnalysisFailed, true
	case TileStatusGenerating:
		return TileStatusGenerationFailed, true
	default:
		return "", false
	}
}

func (s TileStatus) Predecessors() []TileStatus {
	var out []TileStatus
	for from, successors := range tileTransitions {
		if slices.Contains(successors, s) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}
