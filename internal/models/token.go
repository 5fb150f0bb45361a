// Package models provides the value types shared across the pipeline: tokens,
// extraction windows, normalized market points and the per-run bookkeeping
// records (extraction outcomes and run summaries).
package models

import (
	"fmt"
	"strings"
)

// Token identifies an asset on the remote API. Symbol is the human ticker,
// ID is the API's slug (e.g. "crypto-com-chain" for CRO).
type Token struct {
	Symbol string `json:"symbol" mapstructure:"symbol" validate:"required"`
	ID     string `json:"id" mapstructure:"id" validate:"required"`
}

// ValidationError represents a validation failure on a specific field.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewToken returns a validated token.
func NewToken(symbol, id string) (Token, error) {
	t := Token{Symbol: strings.TrimSpace(symbol), ID: strings.TrimSpace(id)}
	if err := t.Validate(); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Validate checks that both identifiers are present.
func (t Token) Validate() error {
	if t.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if t.ID == "" {
		return &ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	return nil
}

// String returns "symbol:id".
func (t Token) String() string {
	return t.Symbol + ":" + t.ID
}

// ParseToken parses a "symbol:id" pair. A bare value is used for both.
func ParseToken(s string) (Token, error) {
	symbol, id, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		id = symbol
	}
	return NewToken(symbol, id)
}

// ParseTokens parses a comma separated list of "symbol:id" pairs.
func ParseTokens(s string) ([]Token, error) {
	var tokens []Token
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		token, err := ParseToken(part)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", part, err)
		}
		tokens = append(tokens, token)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("no tokens in %q", s)
	}
	return tokens, nil
}

// DefaultTokens is the token set extracted when none is configured.
func DefaultTokens() []Token {
	return []Token{
		{Symbol: "aave", ID: "aave"},
		{Symbol: "cronos", ID: "crypto-com-chain"},
		{Symbol: "chainlink", ID: "chainlink"},
	}
}
