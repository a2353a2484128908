package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLoadFailed is returned when the loader could not produce a package.
	ErrLoadFailed = errors.New("package load failed")

	// ErrRequiredMissing is returned when a required dependency is not
	// active or does not publish the needed entry.
	ErrRequiredMissing = errors.New("required dependency not available")

	// ErrWiringFailed is returned when a required entry could not be injected.
	ErrWiringFailed = errors.New("package wiring failed")

	// ErrInitFailed is returned when a package's Init reports failure.
	ErrInitFailed = errors.New("package init failed")

	// ErrPublishFailed is returned when a package's entries could not be
	// published.
	ErrPublishFailed = errors.New("package publish failed")

	// ErrDestroyFailed is returned when a package's Destroy reports failure.
	ErrDestroyFailed = errors.New("package destroy failed")

	// ErrUnloadFailed is returned when the loader refused to unload a package.
	ErrUnloadFailed = errors.New("package unload failed")

	// ErrNotActive is returned for operations on a session or package that
	// is not active.
	ErrNotActive = errors.New("not active")

	// ErrInUse is returned when detaching a package an active package
	// requires.
	ErrInUse = errors.New("package required by an active dependent")

	// ErrProbeFailed is returned when a probed package lacks symbols the
	// plan needs.
	ErrProbeFailed = errors.New("package probe failed")
)

// Lifecycle stages, as reported in ModuleError.
const (
	StagePrecheck = "precheck"
	StageLoad     = "load"
	StageResolve  = "resolve"
	StageWire     = "wire"
	StageInit     = "init"
	StagePublish  = "publish"
	StageDestroy  = "destroy"
	StageUnload   = "unload"
)

// ModuleError is a failure of one package at one lifecycle stage.
type ModuleError struct {
	Module string
	Stage  string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Module, e.Stage, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// BringUpError is returned when a required package failed to activate.
// Everything activated before it has been torn down.
type BringUpError struct {
	SessionID string

	// Module is the required package that failed.
	Module string

	// Err is that package's failure.
	Err error

	// Teardown reports the cleanup of already activated packages.
	Teardown *TeardownReport
}

func (e *BringUpError) Error() string {
	msg := fmt.Sprintf("bring-up failed at %s: %v", e.Module, e.Err)
	if e.Teardown != nil {
		if err := e.Teardown.Err(); err != nil {
			msg += "; " + err.Error()
		}
	}
	return msg
}

func (e *BringUpError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Teardown != nil {
		if err := e.Teardown.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// TeardownError aggregates destroy and unload failures of one teardown.
type TeardownError struct {
	Failures []*ModuleError
}

func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return "teardown: " + strings.Join(parts, "; ")
}

func (e *TeardownError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

func stageError(module, stage string, sentinel, err error) *ModuleError {
	if err == nil {
		return &ModuleError{Module: module, Stage: stage, Err: sentinel}
	}
	return &ModuleError{Module: module, Stage: stage, Err: fmt.Errorf("%w: %w", sentinel, err)}
}
