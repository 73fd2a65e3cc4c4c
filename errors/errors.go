// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package errors defines the caller visible errors of the configuration
// store. Every error carries the http status it surfaces with.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	StatusQuotaExceeded = http.StatusPreconditionFailed
)

var (
	ErrNotFound            = newError(http.StatusNotFound, "not found")
	ErrAmbiguousFqn        = newError(http.StatusInternalServerError, "ambiguous fq_name")
	ErrDatabaseUnavailable = newError(http.StatusServiceUnavailable, "database unavailable")
	ErrResourceExists      = newError(http.StatusConflict, "resource already exists")
	ErrResourceExhausted   = newError(http.StatusConflict, "resource exhausted")
	ErrQuotaExceeded       = newError(StatusQuotaExceeded, "quota exceeded")
	ErrBadRequest          = newError(http.StatusBadRequest, "bad request")
	ErrForbidden           = newError(http.StatusForbidden, "forbidden")
	ErrConflict            = newError(http.StatusConflict, "conflict")
	ErrInternal            = newError(http.StatusInternalServerError, "internal error")
)

// Error is an api error with the http status it maps to. Errors created
// from a kind compare equal to that kind with errors.Is.
type Error struct {
	Status int
	Msg    string

	kind *Error
}

func newError(status int, msg string) *Error {
	return &Error{Status: status, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e == t || (e.kind != nil && e.kind == t)
}

// Kind returns the sentinel this error was derived from.
func (e *Error) Kind() *Error {
	if e.kind == nil {
		return e
	}
	return e.kind
}

func derive(kind *Error, status int, format string, args ...interface{}) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Status: status, Msg: msg, kind: kind}
}

func NewNotFound(format string, args ...interface{}) *Error {
	return derive(ErrNotFound, ErrNotFound.Status, format, args...)
}

func NewAmbiguousFqn(format string, args ...interface{}) *Error {
	return derive(ErrAmbiguousFqn, ErrAmbiguousFqn.Status, format, args...)
}

func NewDatabaseUnavailable(format string, args ...interface{}) *Error {
	return derive(ErrDatabaseUnavailable, ErrDatabaseUnavailable.Status, format, args...)
}

func NewResourceExists(format string, args ...interface{}) *Error {
	return derive(ErrResourceExists, ErrResourceExists.Status, format, args...)
}

// NewResourceExhausted reports an exhausted pool. Address pools surface as
// conflict while numeric id pools surface as bad request.
func NewResourceExhausted(status int, format string, args ...interface{}) *Error {
	return derive(ErrResourceExhausted, status, format, args...)
}

func NewQuotaExceeded(format string, args ...interface{}) *Error {
	return derive(ErrQuotaExceeded, ErrQuotaExceeded.Status, format, args...)
}

func NewBadRequest(format string, args ...interface{}) *Error {
	return derive(ErrBadRequest, ErrBadRequest.Status, format, args...)
}

func NewForbidden(format string, args ...interface{}) *Error {
	return derive(ErrForbidden, ErrForbidden.Status, format, args...)
}

func NewConflict(format string, args ...interface{}) *Error {
	return derive(ErrConflict, ErrConflict.Status, format, args...)
}

func NewInternal(format string, args ...interface{}) *Error {
	return derive(ErrInternal, ErrInternal.Status, format, args...)
}

// New builds an error from a raw (status, message) pair.
func New(status int, msg string) *Error {
	switch status {
	case http.StatusNotFound:
		return NewNotFound(msg)
	case http.StatusBadRequest:
		return NewBadRequest(msg)
	case http.StatusForbidden:
		return NewForbidden(msg)
	case http.StatusConflict:
		return NewConflict(msg)
	case StatusQuotaExceeded:
		return NewQuotaExceeded(msg)
	case http.StatusServiceUnavailable:
		return NewDatabaseUnavailable(msg)
	}
	return derive(ErrInternal, status, msg)
}

// Status converts any error into the (status, message) pair returned to the
// caller. Errors that are not api errors are sanitized into an internal error.
func Status(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status, e.Msg
	}
	return ErrInternal.Status, ErrInternal.Msg
}

// IsAPIError reports whether err carries a caller visible status.
func IsAPIError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}
