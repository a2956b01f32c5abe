// Package preseed runs background jobs that warm the tile cache across a
// zoom range and area, with cancellation, progress tracking and a failure
// threshold.
package preseed

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mohammed-shakir/geotile-cache/internal/core/model"
)

var (
	ErrInvalidJobSpec     = errors.New("invalid preseed job spec")
	ErrJobNotFound        = errors.New("preseed job not found")
	ErrJobAlreadyTerminal = errors.New("preseed job already terminal")
	ErrInvalidTransition  = errors.New("invalid job status transition")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the job lifecycle:
// pending -> running -> {completed, failed, cancelled}, plus pending ->
// {cancelled, failed} for jobs that never start.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// Spec is what an administrative caller submits.
type Spec struct {
	DatasetIDs []string    `json:"dataset_ids" validate:"required,min=1,dive,required"`
	ZoomMin    int         `json:"zoom_min" validate:"gte=0,lte=30"`
	ZoomMax    int         `json:"zoom_max" validate:"gte=0,lte=30,gtefield=ZoomMin"`
	Area       *model.BBox `json:"area,omitempty"`
	Overwrite  bool        `json:"overwrite"`
	// Style, Format and Variant select the tile variant; empty style and
	// format mean the dataset defaults.
	Style   string `json:"style,omitempty"`
	Format  string `json:"format,omitempty"`
	Variant string `json:"variant,omitempty"`
	// FailureThreshold overrides the failure rate above which the job fails.
	FailureThreshold *float64 `json:"failure_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

type Job struct {
	ID string `json:"id"`
	Spec
	Status         Status     `json:"status"`
	TilesTotal     int64      `json:"tiles_total"`
	TilesCompleted int64      `json:"tiles_completed"`
	TilesFailed    int64      `json:"tiles_failed"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (j Job) Clone() Job {
	j.DatasetIDs = slices.Clone(j.DatasetIDs)
	if j.Area != nil {
		a := *j.Area
		j.Area = &a
	}
	if j.FailureThreshold != nil {
		v := *j.FailureThreshold
		j.FailureThreshold = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		j.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		j.CompletedAt = &v
	}
	return j
}

// ApplyTransition moves j to status to, stamping start and completion
// times. Terminal jobs never change.
func ApplyTransition(j *Job, to Status, mutate func(*Job), now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobAlreadyTerminal, j.ID, j.Status)
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if mutate != nil {
		mutate(j)
	}
	j.Status = to
	if to == StatusRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.CompletedAt = &now
	}
	clampProgress(j)
	return nil
}

// ApplyProgress raises the counters, never lowering them and never letting
// their sum pass TilesTotal. Terminal jobs are left untouched.
func ApplyProgress(j *Job, completed, failed int64) {
	if j.Status.Terminal() {
		return
	}
	j.TilesCompleted = max(j.TilesCompleted, completed)
	j.TilesFailed = max(j.TilesFailed, failed)
	clampProgress(j)
}

func clampProgress(j *Job) {
	j.TilesCompleted = min(max(j.TilesCompleted, 0), j.TilesTotal)
	j.TilesFailed = min(max(j.TilesFailed, 0), j.TilesTotal-j.TilesCompleted)
}
