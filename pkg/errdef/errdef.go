package errdef

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors classifying every failure surfaced to callers. Match with
// errors.Is. Refinements wrap their broad class, so a check against
// ErrConflict also matches ErrRunActive and ErrNoPriorDeployment.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
	ErrIntegrity     = errors.New("integrity check failed")
	ErrExternal      = errors.New("external collaborator failed")

	ErrRunActive         = fmt.Errorf("%w: training run already active", ErrConflict)
	ErrNoPriorDeployment = fmt.Errorf("%w: no prior deployment", ErrConflict)
	ErrAlreadyTerminal   = fmt.Errorf("%w: run already terminal", ErrConflict)
	ErrInsufficientData  = fmt.Errorf("%w: insufficient training data", ErrValidation)
)

// Process exit codes used by the CLI.
const (
	ExitOK        = 0
	ExitUserError = 1
	ExitInternal  = 2
)

// classes lists the broad taxonomy classes in match order.
var classes = []error{
	ErrValidation,
	ErrNotFound,
	ErrAlreadyExists,
	ErrConflict,
	ErrIntegrity,
	ErrExternal,
}

// IsClassified reports whether err belongs to the taxonomy.
func IsClassified(err error) bool {
	for _, class := range classes {
		if errors.Is(err, class) {
			return true
		}
	}

	return false
}

// ExitCode maps an error to a process exit code: 0 success, 1 for
// classified user-facing errors, 2 for anything unexpected.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsClassified(err):
		return ExitUserError
	default:
		return ExitInternal
	}
}

// HTTPStatus maps an error to a response status for the API server.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrExternal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
