package app

import "fmt"

// DomainError is a request-level failure with a stable machine-readable
// code. Per-operation sync outcomes (conflict, rejected, duplicate)
// never use it; those travel inside the push results so one bad
// operation cannot fail its batch.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
