package pipeline

import (
	"errors"
	"fmt"
)

// The four error categories a run can surface. Each category wraps an
// underlying cause and records which component raised it, so callers can
// both classify with errors.As and print a precise position.

// ConfigError reports an invalid pipeline spec or component
// configuration. Config errors are raised before any component runs.
type ConfigError struct {
	Component string // component name, empty for spec-level problems
	Pos       int    // position in the pipeline, -1 when not tied to one
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: component %s (position %d): %v", e.Component, e.Pos, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError from a format string.
func Configf(component string, pos int, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Component: component, Pos: pos, Err: fmt.Errorf(format, args...)}
}

// DataContractError reports pipeline state that violates a component's
// declared input contract: a missing attribute, a mismatched column
// order, absent labels.
type DataContractError struct {
	Component string
	Pos       int
	Err       error
}

func (e *DataContractError) Error() string {
	return fmt.Sprintf("data contract: component %s (position %d): %v", e.Component, e.Pos, e.Err)
}

func (e *DataContractError) Unwrap() error { return e.Err }

// Contractf builds a DataContractError from a format string.
func Contractf(component string, pos int, format string, args ...interface{}) *DataContractError {
	return &DataContractError{Component: component, Pos: pos, Err: fmt.Errorf(format, args...)}
}

// ExecutionError reports a component failing while running. Fold is the
// cross-validation fold the failure happened in, or -1 outside of
// cross-validation.
type ExecutionError struct {
	Component string
	Pos       int
	Fold      int
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Fold >= 0 {
		return fmt.Sprintf("execution: component %s (position %d, fold %d): %v", e.Component, e.Pos, e.Fold, e.Err)
	}
	return fmt.Sprintf("execution: component %s (position %d): %v", e.Component, e.Pos, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Execf builds an ExecutionError outside of cross-validation.
func Execf(component string, pos int, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{Component: component, Pos: pos, Fold: -1, Err: fmt.Errorf(format, args...)}
}

// PersistenceError reports a failure writing or reading run outputs:
// cloud files, bundles, the run database.
type PersistenceError struct {
	Component string
	Pos       int
	Path      string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("persistence: component %s: %s: %v", e.Component, e.Path, e.Err)
	}
	return fmt.Sprintf("persistence: component %s: %v", e.Component, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistf builds a PersistenceError for a path.
func Persistf(component, path string, format string, args ...interface{}) *PersistenceError {
	return &PersistenceError{Component: component, Pos: -1, Path: path, Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether any error in the chain is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsDataContractError reports whether any error in the chain is a
// DataContractError.
func IsDataContractError(err error) bool {
	var de *DataContractError
	return errors.As(err, &de)
}

// IsExecutionError reports whether any error in the chain is an
// ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsPersistenceError reports whether any error in the chain is a
// PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
