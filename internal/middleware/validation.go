package middleware

import (
	"errors"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateConnectionID validates a connection ID.
func ValidateConnectionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid connection ID format")
	}
	return nil
}

// ValidateClientID validates a client ID.
func ValidateClientID(id string) error {
	if len(id) == 0 {
		return errors.New("client ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("client ID exceeds maximum length")
	}
	return nil
}

// ValidatePrompt validates a generation prompt.
func ValidatePrompt(prompt string) error {
	if len(prompt) == 0 {
		return errors.New("prompt cannot be empty")
	}
	if len(prompt) > 100000 { // ~100KB limit
		return errors.New("prompt exceeds maximum length")
	}
	if !utf8.ValidString(prompt) {
		return errors.New("prompt must be valid UTF-8")
	}
	return nil
}

// ValidateProvider validates an upstream provider name.
func ValidateProvider(provider string) error {
	switch provider {
	case "", "anthropic", "openai":
		return nil
	}
	return errors.New("unsupported provider")
}
