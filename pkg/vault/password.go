package vault

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Advisory password limits used by front ends. The vault itself accepts any
// password.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// PasswordStrength is an estimated strength level.
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidationResult holds the outcome of ValidateMasterPassword.
type PasswordValidationResult struct {
	Valid    bool
	Strength PasswordStrength
	Warnings []string
}

// ValidateMasterPassword checks length limits and estimates strength from
// character-class variety. Only the length limits make a password invalid.
func ValidateMasterPassword(password string) *PasswordValidationResult {
	n := utf8.RuneCountInString(password)
	switch {
	case n < MinPasswordLength:
		return &PasswordValidationResult{
			Strength: PasswordWeak,
			Warnings: []string{fmt.Sprintf("Password must be at least %d characters", MinPasswordLength)},
		}
	case n > MaxPasswordLength:
		return &PasswordValidationResult{
			Strength: PasswordWeak,
			Warnings: []string{fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength)},
		}
	}

	var upper, lower, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{upper, lower, digit, other} {
		if ok {
			classes++
		}
	}

	result := &PasswordValidationResult{Valid: true}
	if classes < 2 {
		result.Warnings = append(result.Warnings, "Consider mixing letters, digits and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings, "Longer passwords (12+ characters) are more secure")
	}

	switch {
	case classes >= 3 && n >= 16:
		result.Strength = PasswordStrong
	case classes >= 2 && n >= 12:
		result.Strength = PasswordGood
	case classes >= 2 || n >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}
	return result
}
