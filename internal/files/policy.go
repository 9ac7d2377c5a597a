package files

import (
	"crypto/subtle"
	"slices"
)

// Authorize allows access to record when it has no password or supplied
// matches it exactly. A missing record and a wrong password produce the
// same error.
func Authorize(record *Record, supplied string) error {
	if record == nil {
		return ErrUnauthorized
	}
	if record.Password == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(record.Password), []byte(supplied)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Visible reports whether device may see record.
func Visible(record *Record, device Device) bool {
	if len(record.Devices) == 0 || record.Owner == device {
		return true
	}
	return slices.Contains(record.Devices, device)
}
