package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeNotImplemented    ErrCode = "NotImplemented"
	ErrCodeNotFound          ErrCode = "NotFound"
	ErrCodeServiceFailure    ErrCode = "ServiceFailure"
	ErrCodeAPIBadRequest     ErrCode = "BadRequest"
	ErrCodeDependencyFailure ErrCode = "DependencyFailure"
	ErrCodeExisted           ErrCode = "Existed"
	// ErrCodeInvalid marks a state that must not be submitted, e.g. a private marker nobody can see
	ErrCodeInvalid ErrCode = "Invalid"
	ErrCodeClosed  ErrCode = "Closed"
)

type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the chain of causes associated with the error, one level of indentation per cause
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	depth := 1
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\n")
		b.WriteString(strings.Repeat("\t", depth))
		b.WriteString("Caused by: ")
		if c, ok := err.(*Err); ok {
			b.WriteString(c.msg)
		} else {
			b.WriteString(err.Error())
		}
		err = errors.Unwrap(err)
		depth++
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

// prefer NewXXX(msg) over NewXXX(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func NewServiceFailure(m string) *Err {
	return &Err{Code: ErrCodeServiceFailure, msg: m}
}

func NewNotFound(m string) *Err {
	return &Err{Code: ErrCodeNotFound, msg: m}
}

func NewBadInput(m string) *Err {
	return &Err{Code: ErrCodeAPIBadRequest, msg: m}
}

func NewNotImplemented() *Err {
	return &Err{Code: ErrCodeNotImplemented, msg: "Not implemented"}
}

func NewExisted(m string) *Err {
	return &Err{Code: ErrCodeExisted, msg: m}
}

func NewInvalid(m string) *Err {
	return &Err{Code: ErrCodeInvalid, msg: m}
}

func NewDependencyFailure(m string) *Err {
	return &Err{Code: ErrCodeDependencyFailure, msg: m}
}

func NewClosed(m string) *Err {
	return &Err{Code: ErrCodeClosed, msg: m}
}

// Is reports whether any error in err's chain is an *Err carrying the given code
func Is(err error, code ErrCode) bool {
	var e *Err
	for err != nil {
		if errors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.cause
			continue
		}
		return false
	}
	return false
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAPIBadRequest, ErrCodeInvalid:
		return http.StatusBadRequest
	case ErrCodeExisted:
		return http.StatusForbidden
	case ErrCodeClosed:
		return http.StatusConflict
	case ErrCodeDependencyFailure:
		return http.StatusBadGateway
	case ErrCodeNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// StatusCodeOf is StatusCode for arbitrary errors; errors not raised by pinmap are internal failures
func StatusCodeOf(err error) int {
	var e *Err
	if errors.As(err, &e) {
		return e.StatusCode()
	}
	return http.StatusInternalServerError
}
