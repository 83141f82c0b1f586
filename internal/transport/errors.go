package transport

import (
	"errors"
	"fmt"
)

// ErrValidation marks a request that was rejected client-side before
// any network call was attempted (missing required input).
var ErrValidation = errors.New("validation failed")

// RequestError is a transport failure: the request could not be
// executed, or the server answered with a non-2xx status. Stale-state
// rejections (e.g. accepting an already-resolved friend request) are
// deliberately not distinguished; the next poll corrects the view
// either way.
type RequestError struct {
	Method string
	Path   string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}
