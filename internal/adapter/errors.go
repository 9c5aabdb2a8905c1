// Package adapter maintains one outbound HTTP adapter per destination
// authority and drives sends through them with per-profile retry and
// redirect budgets.
package adapter

import (
	"fmt"
	"net/http"
)

// RedirectBudgetError reports that a send followed more redirects than the
// profile allows. Response is the last redirect response, with its body
// closed, so callers can surface the final Location.
type RedirectBudgetError struct {
	Budget   int
	Response *http.Response
}

// NewRedirectBudgetError creates a RedirectBudgetError.
func NewRedirectBudgetError(budget int, resp *http.Response) *RedirectBudgetError {
	return &RedirectBudgetError{Budget: budget, Response: resp}
}

// Error implements the error interface.
func (e *RedirectBudgetError) Error() string {
	return fmt.Sprintf("exceeded redirect budget of %d", e.Budget)
}

// RetryBudgetError reports that a send failed more times than the profile's
// retry budget allows.
type RetryBudgetError struct {
	Budget int
	Cause  error
}

// NewRetryBudgetError creates a RetryBudgetError wrapping the last attempt's
// failure.
func NewRetryBudgetError(budget int, cause error) *RetryBudgetError {
	return &RetryBudgetError{Budget: budget, Cause: cause}
}

// Error implements the error interface.
func (e *RetryBudgetError) Error() string {
	return fmt.Sprintf("exceeded retry budget of %d: %v", e.Budget, e.Cause)
}

// Unwrap returns the last attempt's failure.
func (e *RetryBudgetError) Unwrap() error {
	return e.Cause
}
