package middleware

import (
	"errors"
	"unicode/utf8"
)

// MaxPauseMinutes caps a requested pause duration at 30 days.
const MaxPauseMinutes = 30 * 24 * 60

// ValidateConversationKey validates a conversation, subject or native id
// used in a path.
func ValidateConversationKey(key string) error {
	if len(key) == 0 {
		return errors.New("conversation key cannot be empty")
	}
	if len(key) > 128 {
		return errors.New("conversation key exceeds maximum length")
	}
	if !utf8.ValidString(key) {
		return errors.New("conversation key must be valid UTF-8")
	}
	for _, r := range key {
		if r <= ' ' || r == '/' || r == '*' || r == '>' {
			return errors.New("conversation key contains invalid characters")
		}
	}
	return nil
}

// ValidatePauseDuration validates an optional pause duration in minutes.
func ValidatePauseDuration(minutes *int) error {
	if minutes == nil {
		return nil
	}
	if *minutes <= 0 {
		return errors.New("duration must be positive")
	}
	if *minutes > MaxPauseMinutes {
		return errors.New("duration exceeds 30 days")
	}
	return nil
}
