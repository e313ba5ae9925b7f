// Package security analyses the details of a project for weak, reused and
// stale credentials. It works on decrypted values handed in by the caller
// and never stores them.
package security

import (
	"path"
	"strings"
)

// Strength represents the strength level of a password or token.
type Strength int

const (
	// StrengthWeak indicates an insecure value (under 8 chars for passwords, 16 for tokens).
	StrengthWeak Strength = iota
	StrengthFair
	StrengthGood
	StrengthStrong
)

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case StrengthWeak:
		return "Weak"
	case StrengthFair:
		return "Fair"
	case StrengthGood:
		return "Good"
	case StrengthStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level:
// Weak=0, Fair=8, Good=17, Strong=25.
func (s Strength) Points() int {
	switch s {
	case StrengthFair:
		return 8
	case StrengthGood:
		return 17
	case StrengthStrong:
		return 25
	default:
		return 0
	}
}

// Kind says how a detail's value should be judged.
type Kind int

const (
	KindOther Kind = iota
	KindPassword
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindPassword:
		return "password"
	case KindToken:
		return "token"
	default:
		return "other"
	}
}

var passwordNames = []string{"password", "pwd", "pass", "passwd", "secret", "credential"}

var tokenNames = []string{"token", "api_key", "apikey", "access_key", "secret_key", "private_key"}

// Classify infers the kind of a detail from the last segment of its key,
// so "db/password" is a password and "stripe/api_key" a token. Usernames,
// URLs and notes are KindOther and not scored.
func Classify(key string) Kind {
	name := strings.ToLower(path.Base(key))
	name = strings.ReplaceAll(name, "-", "_")

	// Token names first: "secret_key" would otherwise match "secret".
	for _, n := range tokenNames {
		if name == n || strings.HasSuffix(name, "_"+n) || strings.HasPrefix(name, n+"_") {
			return KindToken
		}
	}
	for _, n := range passwordNames {
		if strings.Contains(name, n) {
			return KindPassword
		}
	}
	return KindOther
}

// ValueStrength rates value for its kind. Tokens are judged by length as a
// proxy for entropy; passwords follow NIST SP 800-63B, length first with no
// composition rules.
func ValueStrength(value string, kind Kind) Strength {
	n := len(value)
	if kind == KindToken {
		switch {
		case n >= 32:
			return StrengthStrong
		case n >= 20:
			return StrengthGood
		case n >= 16:
			return StrengthFair
		default:
			return StrengthWeak
		}
	}

	switch {
	case n >= 20:
		return StrengthStrong
	case n >= 14:
		return StrengthGood
	case n >= 8:
		return StrengthFair
	default:
		return StrengthWeak
	}
}
