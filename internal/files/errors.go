package files

import "errors"

var (
	ErrConflict      = errors.New("file already exists")
	ErrNotFound      = errors.New("file not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrTooLarge      = errors.New("file too large")
	ErrQuotaExceeded = errors.New("pending quota exceeded")
	ErrStorage       = errors.New("registry storage failure")
	ErrStream        = errors.New("stream failure")
)
