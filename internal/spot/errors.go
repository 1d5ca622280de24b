package spot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Provider error codes intercepted by this package. Everything else is
// returned to the caller untouched.
const (
	codeMaxSpotInstanceCountExceeded = "MaxSpotInstanceCountExceeded"
	codeSpotRequestNotFound          = "InvalidSpotInstanceRequestID.NotFound"
	codeNoSuchEntity                 = "NoSuchEntity"
	codeSecurityGroupNotFound        = "InvalidGroup.NotFound"
)

var (
	// ErrNotFound reports that a named resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAmbiguousResource reports that a name matched more than one resource.
	ErrAmbiguousResource = errors.New("ambiguous resource")
)

// AmbiguousResourceError is returned when a security group name resolves to
// more than one group id.
type AmbiguousResourceError struct {
	Name string
	IDs  []string
}

func (e *AmbiguousResourceError) Error() string {
	return fmt.Sprintf("more than one security group detected for %s: %s", e.Name, strings.Join(e.IDs, ", "))
}

// Is makes errors.Is(err, ErrAmbiguousResource) match.
func (e *AmbiguousResourceError) Is(target error) bool {
	return target == ErrAmbiguousResource
}

// notFoundError wraps a provider error so that it matches ErrNotFound while
// keeping the original error reachable through errors.As.
type notFoundError struct {
	what string
	err  error
}

func (e *notFoundError) Error() string {
	if e.err == nil {
		return e.what + " not found"
	}
	return fmt.Sprintf("%s not found: %v", e.what, e.err)
}

func (e *notFoundError) Unwrap() error { return e.err }

func (e *notFoundError) Is(target error) bool { return target == ErrNotFound }

// apiErrorCode returns the AWS error code carried by err, or "".
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// apiErrorMessage returns the AWS error message carried by err, or err.Error().
func apiErrorMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}
