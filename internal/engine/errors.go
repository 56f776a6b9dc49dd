package engine

import (
	"errors"
	"fmt"
	"strings"

	"example.com/calendarsync/internal/domain"
)

var (
	// ErrMissingUser is returned when a cycle is requested without a user id.
	ErrMissingUser = errors.New("missing user id")
	// ErrMissingToken is returned when a cycle is requested without an access token.
	ErrMissingToken = errors.New("missing access token")
)

// Operation names the remote call made for an item.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
)

// ItemError is the failure of a single item's remote call.
type ItemError struct {
	Kind      domain.Kind
	LocalKey  string
	Operation Operation
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Operation, e.LocalKey, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// PartialSyncError aggregates the item failures of one cycle. Successful items of
// the same cycle have already been recorded when it is returned.
type PartialSyncError struct {
	Succeeded int
	Errors    []error
}

func (e *PartialSyncError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("calendar sync incomplete: %d of %d items failed: %s",
		len(e.Errors), len(e.Errors)+e.Succeeded, strings.Join(msgs, "; "))
}

func (e *PartialSyncError) Unwrap() []error {
	return e.Errors
}
