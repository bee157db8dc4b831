package app

import "fmt"

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

// maskedNotFound hides the existence of resources the caller cannot see.
// Unauthorized callers receive the same response as for a missing resource,
// never a 403.
func maskedNotFound() *DomainError {
	return domainError(404, "NOT_FOUND", "Not found", nil)
}

func forbidden() *DomainError {
	return domainError(403, "FORBIDDEN", "Forbidden", nil)
}

func conflict(message string) *DomainError {
	return domainError(409, "CONFLICT", message, nil)
}

func validationError(message string) *DomainError {
	return domainError(422, "VALIDATION_ERROR", message, nil)
}
