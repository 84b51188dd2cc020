package api

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is an HTTP error response from the API. A StatusError means
// the server answered; transport failures (no response at all) surface as
// plain wrapped errors instead.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 or 410 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusNotFound || se.Code == http.StatusGone
}

// IsPermission reports whether err is a 401 or 403 from the API.
func IsPermission(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
}

// IsHard reports whether err is a failure that retrying cannot fix: the id
// is gone or the caller is not allowed to see it.
func IsHard(err error) bool {
	return IsNotFound(err) || IsPermission(err)
}
