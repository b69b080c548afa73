package laboratory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid collection state transition")
	ErrNotIncluded       = errors.New("line item is not included for result entry")
	ErrFormLocked        = errors.New("result form is locked")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NoResultsError means every input on the form was blank.
type NoResultsError struct {
	LineItemID uuid.UUID
}

func (e *NoResultsError) Error() string {
	return fmt.Sprintf("no results entered for line item %s", e.LineItemID)
}

// PersistenceError means both the full and the reduced write of a result
// failed. Nothing was committed and the save may be retried.
type PersistenceError struct {
	LineItemID uuid.UUID
	TestName   string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist result %q for line item %s: %v", e.TestName, e.LineItemID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PartialBatchError reports a collection batch save where some writes failed.
// Saved items stay saved; failed ones are still taken.
type PartialBatchError struct {
	BatchResult
	Errs map[uuid.UUID]error
}

func (e *PartialBatchError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, id := range e.Failed {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("batch save: %d saved, %d failed (%s)", len(e.Saved), len(e.Failed), strings.Join(ids, ", "))
}
