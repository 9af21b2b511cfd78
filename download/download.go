// Package download runs one media request from probe to a finished file on
// disk: probe the source, resolve a format, fetch with bounded retries.
package download

import (
	"errors"

	"github.com/onnwee/tubedrop/media"
)

var (
	ErrProbeFailed       = errors.New("probe failed")
	ErrFetchFailed       = errors.New("fetch failed")
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// State is a step of the download state machine.
type State int

const (
	Probing State = iota
	Selecting
	Fetching
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Probing:
		return "probing"
	case Selecting:
		return "selecting"
	case Fetching:
		return "fetching"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Request is a single fetch of a resolved selection.
type Request struct {
	URL        string
	Selection  media.Selection
	OutputPath string // base path without extension
}

// Reason is the coarse failure category kept for logs and metrics. Users
// never see it.
type Reason string

const (
	ReasonProbeFailed       Reason = "probe_failed"
	ReasonFetchFailed       Reason = "fetch_failed"
	ReasonInsufficientSpace Reason = "insufficient_space"
	ReasonCancelled         Reason = "cancelled"
)

// Result is the outcome of Orchestrator.Download. Exactly one of Path
// (success) or Reason/Err (failure) is set.
type Result struct {
	State     State
	Path      string
	Reason    Reason
	Err       error
	Selection media.Selection
	Attempts  int
}

// Success builds a successful result.
func Success(path string) Result { return Result{State: Succeeded, Path: path} }

// Failure builds a failed result.
func Failure(reason Reason, err error) Result { return Result{State: Failed, Reason: reason, Err: err} }

// OK reports whether the download produced a file.
func (r Result) OK() bool { return r.State == Succeeded && r.Path != "" }
