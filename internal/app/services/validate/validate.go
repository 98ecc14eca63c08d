// Package validate performs pre-submission checks on audit requests.
// Validation is pure: nothing here touches the network, so rejected
// requests never consume rate-limit budget or reach the backend.
package validate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/solguard/auditd/internal/app/domain/audit"
)

// MaxFileSize is the upper bound for uploaded archives and source files.
const MaxFileSize = 100 << 20 // 100 MiB

// allowedExtensions lists accepted upload types: an archive of a project
// or a single source file.
var allowedExtensions = map[string]bool{
	".zip": true,
	".sol": true,
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Error is a validation failure surfaced as state, never as a panic.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string { return e.Message }

// ValidateFile checks the upload name and size against the allow-list
// and the size limit.
func ValidateFile(name string, sizeBytes int64) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !allowedExtensions[ext] {
		return &Error{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q: only .zip archives and .sol source files are accepted", ext),
		}
	}
	if sizeBytes > MaxFileSize {
		return &Error{
			Field: "file",
			Message: fmt.Sprintf("file too large: %.2f MiB exceeds the %d MiB limit",
				float64(sizeBytes)/(1<<20), MaxFileSize>>20),
		}
	}
	return nil
}

// ValidateAddress checks the 0x-prefixed 40-hex-digit contract address
// format. No on-chain existence check is performed.
func ValidateAddress(address string) error {
	if !addressPattern.MatchString(address) {
		return &Error{
			Field:   "address",
			Message: fmt.Sprintf("invalid contract address %q: expected 0x followed by 40 hex digits", address),
		}
	}
	return nil
}

// Validate dispatches on the request kind.
func Validate(req audit.Request) error {
	switch req.Kind {
	case audit.FileUpload:
		return ValidateFile(req.Name, req.SizeBytes)
	case audit.AddressLookup:
		return ValidateAddress(req.Address)
	default:
		return &Error{Field: "kind", Message: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}
