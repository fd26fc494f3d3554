package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the core can surface.
type ErrorKind string

const (
	KindNoFaceDetected    ErrorKind = "NO_FACE_DETECTED"
	KindMultipleFaces     ErrorKind = "MULTIPLE_FACES_DETECTED"
	KindFaceNotRecognized ErrorKind = "FACE_NOT_RECOGNIZED"
	KindLivenessFailed    ErrorKind = "LIVENESS_CHECK_FAILED"
	KindLivenessTimedOut  ErrorKind = "LIVENESS_TIMED_OUT"
	KindModelLoadFailed   ErrorKind = "MODEL_LOAD_FAILED"
	KindProcessingFailed  ErrorKind = "PROCESSING_FAILED"
	KindValidation        ErrorKind = "VALIDATION_ERROR"
	KindStorage           ErrorKind = "STORAGE_ERROR"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindUnauthorized      ErrorKind = "UNAUTHORIZED"
	KindInternal          ErrorKind = "INTERNAL_ERROR"
)

// AllKinds lists every kind; UserMessage must cover each one.
var AllKinds = []ErrorKind{
	KindNoFaceDetected,
	KindMultipleFaces,
	KindFaceNotRecognized,
	KindLivenessFailed,
	KindLivenessTimedOut,
	KindModelLoadFailed,
	KindProcessingFailed,
	KindValidation,
	KindStorage,
	KindNotFound,
	KindUnauthorized,
	KindInternal,
}

type AppError struct {
	Kind    ErrorKind `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError of the same kind, so errors.Is(err, ErrValidation)
// holds for validation errors carrying a specific message.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage returns a copy of e with a more specific message.
func (e *AppError) WithMessage(msg string) *AppError {
	return &AppError{
		Kind:    e.Kind,
		Message: msg,
		Err:     e.Err,
	}
}

// Pre-defined errors
var (
	ErrNoFaceDetected = &AppError{
		Kind:    KindNoFaceDetected,
		Message: "No face detected",
	}

	ErrMultipleFaces = &AppError{
		Kind:    KindMultipleFaces,
		Message: "Multiple faces detected",
	}

	ErrFaceNotRecognized = &AppError{
		Kind:    KindFaceNotRecognized,
		Message: "Face not recognized",
	}

	ErrLivenessFailed = &AppError{
		Kind:    KindLivenessFailed,
		Message: "Liveness check failed",
	}

	ErrLivenessTimedOut = &AppError{
		Kind:    KindLivenessTimedOut,
		Message: "Liveness check timed out",
	}

	ErrModelLoadFailed = &AppError{
		Kind:    KindModelLoadFailed,
		Message: "Failed to load model",
	}

	ErrProcessingFailed = &AppError{
		Kind:    KindProcessingFailed,
		Message: "Failed to process frame",
	}

	ErrValidation = &AppError{
		Kind:    KindValidation,
		Message: "Validation failed",
	}

	ErrStorage = &AppError{
		Kind:    KindStorage,
		Message: "Storage operation failed",
	}

	ErrNotFound = &AppError{
		Kind:    KindNotFound,
		Message: "Resource not found",
	}

	ErrUnauthorized = &AppError{
		Kind:    KindUnauthorized,
		Message: "Not authorized",
	}
)

// Validation builds a validation error with a specific message.
func Validation(msg string) *AppError {
	return ErrValidation.WithMessage(msg)
}

// Storage wraps a store failure.
func Storage(op string, err error) *AppError {
	return &AppError{
		Kind:    KindStorage,
		Message: op,
		Err:     err,
	}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Recoverable reports per-frame conditions after which a session keeps going.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindNoFaceDetected, KindMultipleFaces, KindProcessingFailed:
		return true
	}
	return false
}

// Fatal reports conditions that abort a session immediately.
func Fatal(err error) bool {
	return KindOf(err) == KindModelLoadFailed
}

// LivenessNotEstablished reports both liveness outcomes that block recognition.
func LivenessNotEstablished(err error) bool {
	k := KindOf(err)
	return k == KindLivenessFailed || k == KindLivenessTimedOut
}

// UserMessage returns the one human-readable message shown for err's kind.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind == KindValidation && appErr.Message != ErrValidation.Message {
		return appErr.Message
	}
	return KindMessage(KindOf(err))
}

// KindMessage maps a kind to its user-facing text.
func KindMessage(kind ErrorKind) string {
	switch kind {
	case KindNoFaceDetected:
		return "No face in view. Please look at the camera."
	case KindMultipleFaces:
		return "More than one face in view. Only one person at a time."
	case KindFaceNotRecognized:
		return "Face not recognized."
	case KindLivenessFailed, KindLivenessTimedOut:
		return "Liveness not established. Please try again."
	case KindModelLoadFailed:
		return "Recognition is unavailable on this device."
	case KindProcessingFailed:
		return "Could not process the image. Hold still."
	case KindValidation:
		return "The request is not valid."
	case KindStorage:
		return "Could not save the record. Please try again."
	case KindNotFound:
		return "Record not found."
	case KindUnauthorized:
		return "This action requires administrator authorization."
	case KindInternal:
		return "Something went wrong."
	}
	return ""
}
