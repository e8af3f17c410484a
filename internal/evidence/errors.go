// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"errors"
	"fmt"
)

// StructuralError reports a malformed template. It aborts the run.
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return "structural error: " + e.Reason
}

func Structuralf(format string, args ...any) error {
	return &StructuralError{Reason: fmt.Sprintf(format, args...)}
}

// ServiceError reports an embedding service failure after retries.
type ServiceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// InputFormatError reports a source document that could not be parsed.
// Only that document is dropped.
type InputFormatError struct {
	Document string
	Err      error
}

func (e *InputFormatError) Error() string {
	return fmt.Sprintf("input format error in %q: %v", e.Document, e.Err)
}

func (e *InputFormatError) Unwrap() error {
	return e.Err
}

func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

func IsService(err error) bool {
	var se *ServiceError
	return errors.As(err, &se)
}

func IsInputFormat(err error) bool {
	var fe *InputFormatError
	return errors.As(err, &fe)
}
