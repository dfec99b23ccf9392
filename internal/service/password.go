package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 128
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateEmail checks the basic local@domain.tld shape.
func ValidateEmail(email string) bool {
	return emailRe.MatchString(email)
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidatePassword returns every rule the password violates; nil means acceptable.
func ValidatePassword(pw string) []string {
	var problems []string
	n := utf8.RuneCountInString(pw)
	if n < minPasswordLen {
		problems = append(problems, fmt.Sprintf("Password must be at least %d characters", minPasswordLen))
	}
	if n > maxPasswordLen {
		problems = append(problems, fmt.Sprintf("Password must be at most %d characters", maxPasswordLen))
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case unicode.IsDigit(r) && r < utf8.RuneSelf:
			digit = true
		}
	}
	if !upper {
		problems = append(problems, "Password must contain at least one uppercase letter")
	}
	if !lower {
		problems = append(problems, "Password must contain at least one lowercase letter")
	}
	if !digit {
		problems = append(problems, "Password must contain at least one number")
	}
	return problems
}

func weakPassword(problems []string) *AuthError {
	return &AuthError{
		Code:    CodeWeakPassword,
		Message: strings.Join(problems, ", "),
		Status:  ErrWeakPassword.Status,
		Details: problems,
	}
}
