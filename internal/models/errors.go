package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable identifier carried in API error bodies and logs
type ErrorCode string

const (
	CodeConfigMissing    ErrorCode = "CONFIG_1001"
	CodeConfigInvalid    ErrorCode = "CONFIG_1002"
	CodeConfigValidation ErrorCode = "CONFIG_1003"

	CodeFetchTimeout    ErrorCode = "FETCH_2001"
	CodeFetchConnection ErrorCode = "FETCH_2002"
	CodeFetchResponse   ErrorCode = "FETCH_2003"
	CodeFetchParse      ErrorCode = "FETCH_2004"

	CodeRenderTemplate   ErrorCode = "RENDER_3001"
	CodeRenderBrowser    ErrorCode = "RENDER_3002"
	CodeRenderScreenshot ErrorCode = "RENDER_3003"

	CodeStorageWrite    ErrorCode = "STORAGE_4001"
	CodeStorageRead     ErrorCode = "STORAGE_4002"
	CodeStorageNotFound ErrorCode = "STORAGE_4003"
	CodeStorageLock     ErrorCode = "STORAGE_4004"

	CodeGenerationBusy   ErrorCode = "GENERATION_BUSY"
	CodeGenerationFailed ErrorCode = "GENERATION_FAILED"
	CodeUnauthorized     ErrorCode = "AUTH_UNAUTHORIZED"
	CodeInvalidParameter ErrorCode = "API_INVALID_PARAMETER"
	CodeCacheCleanFailed ErrorCode = "OPS_CACHE_CLEAN_FAILED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is returned when an artifact or cache entry does not exist
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when another holder owns the generation lock.
	// It signals contention, not failure.
	ErrBusy = errors.New("generation already in progress")

	// ErrUnknownTemplate is returned for template names absent from config
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrInvalidParameter is returned for malformed request parameters
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Coded is implemented by errors that carry an ErrorCode
type Coded interface {
	Code() ErrorCode
}

// CodeOf returns the most specific code found in the error chain
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, ErrBusy):
		return CodeGenerationBusy
	case errors.Is(err, ErrNotFound):
		return CodeStorageNotFound
	case errors.Is(err, ErrUnknownTemplate), errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	}
	return CodeInternal
}

// ConfigError is returned by configuration loading and validation
type ConfigError struct {
	code ErrorCode
	Path string
	Err  error
}

func NewConfigError(code ErrorCode, path string, err error) *ConfigError {
	return &ConfigError{code: code, Path: path, Err: err}
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error   { return e.Err }
func (e *ConfigError) Code() ErrorCode { return e.code }

// FetchErrorKind classifies an upstream failure
type FetchErrorKind string

const (
	FetchTimeout    FetchErrorKind = "timeout"
	FetchConnection FetchErrorKind = "connection"
	FetchResponse   FetchErrorKind = "response"
	FetchParse      FetchErrorKind = "parse"
)

// FetchError is a source-local, recoverable upstream failure
type FetchError struct {
	Source     string
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s failed (%s)", e.Source, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Code() ErrorCode {
	switch e.Kind {
	case FetchTimeout:
		return CodeFetchTimeout
	case FetchConnection:
		return CodeFetchConnection
	case FetchParse:
		return CodeFetchParse
	default:
		return CodeFetchResponse
	}
}

// RenderErrorKind classifies a renderer failure
type RenderErrorKind string

const (
	RenderTemplate   RenderErrorKind = "template"
	RenderBrowser    RenderErrorKind = "browser"
	RenderScreenshot RenderErrorKind = "screenshot"
)

// RenderError is returned by renderers. Not retried inline.
type RenderError struct {
	Template string
	Kind     RenderErrorKind
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s failed (%s): %v", e.Template, e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) Code() ErrorCode {
	switch e.Kind {
	case RenderTemplate:
		return CodeRenderTemplate
	case RenderBrowser:
		return CodeRenderBrowser
	default:
		return CodeRenderScreenshot
	}
}

// LockError is an OS-level failure to acquire or release a generation lock.
// Contention is reported as ErrBusy instead.
type LockError struct {
	Template string
	Op       string // "acquire" or "release"
	Err      error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s for %s: %v", e.Op, e.Template, e.Err)
}

func (e *LockError) Unwrap() error   { return e.Err }
func (e *LockError) Code() ErrorCode { return CodeStorageLock }

// StorageError wraps a filesystem failure in the artifact or cache state
type StorageError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Code() ErrorCode {
	if e.Op == "read" {
		return CodeStorageRead
	}
	return CodeStorageWrite
}

// RequiredSourceError lists required sources that had no data at all
type RequiredSourceError struct {
	Sources []string
}

func (e *RequiredSourceError) Error() string {
	return fmt.Sprintf("required sources unavailable: %s", strings.Join(e.Sources, ", "))
}

func (e *RequiredSourceError) Code() ErrorCode { return CodeGenerationFailed }

// FailureReason says which generation stage failed
type FailureReason string

const (
	ReasonSources FailureReason = "sources"
	ReasonRender  FailureReason = "render"
	ReasonStorage FailureReason = "storage"
	ReasonLock    FailureReason = "lock"
)

// GenerationFailedError is surfaced by the generator. Callers check for a
// usable stale artifact before showing it to users.
type GenerationFailedError struct {
	Template string
	Date     string
	Reason   FailureReason
	Err      error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation of %s for %s failed (%s): %v", e.Template, e.Date, e.Reason, e.Err)
}

func (e *GenerationFailedError) Unwrap() error   { return e.Err }
func (e *GenerationFailedError) Code() ErrorCode { return CodeGenerationFailed }

// IsGenerationFailed reports whether err is a GenerationFailedError and returns it
func IsGenerationFailed(err error) (*GenerationFailedError, bool) {
	var gf *GenerationFailedError
	if errors.As(err, &gf) {
		return gf, true
	}
	return nil, false
}

// SweepError collects the failures of a janitor sweep. The sweep keeps going
// past individual failures, so the SweepResult is still meaningful.
type SweepError struct {
	Err error
}

func (e *SweepError) Error() string   { return fmt.Sprintf("cache sweep incomplete: %v", e.Err) }
func (e *SweepError) Unwrap() error   { return e.Err }
func (e *SweepError) Code() ErrorCode { return CodeCacheCleanFailed }
