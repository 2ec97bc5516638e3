package database

import (
	"fmt"
	"regexp"
)

// codeRegexp is the only shape a code may take. Validation happens before
// any SQL sees the value.
var codeRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateCode returns ErrInvalidCode unless code matches
// ^[A-Za-z0-9_-]{1,64}$.
func ValidateCode(code string) error {
	if !codeRegexp.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}

	return nil
}

// ValidateCodes validates every code in the slice.
func ValidateCodes(codes []string) error {
	for _, code := range codes {
		if err := ValidateCode(code); err != nil {
			return err
		}
	}

	return nil
}
