package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// NewToken turns a token as entered by a user into an oauth2.Token. A
// "Bearer " prefix selects the Authorization header, anything else is sent as
// a Dataverse API key.
func NewToken(raw string) (*oauth2.Token, error) {
	raw = strings.TrimSpace(raw)
	tok := &oauth2.Token{AccessToken: raw, TokenType: apiKeyType}
	if rest, ok := cutScheme(raw, "Bearer"); ok {
		tok.AccessToken = strings.TrimSpace(rest)
		tok.TokenType = "Bearer"
	}
	if tok.AccessToken == "" {
		return nil, errors.New("empty token")
	}
	return tok, nil
}

// cutScheme strips an auth scheme that is followed by whitespace or ends s.
func cutScheme(s, scheme string) (string, bool) {
	if len(s) < len(scheme) || !strings.EqualFold(s[:len(scheme)], scheme) {
		return s, false
	}
	rest := s[len(scheme):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return s, false
	}
	return rest, true
}

func parseToken(tokenString string) (*oauth2.Token, error) {
	var tok oauth2.Token
	err := json.NewDecoder(strings.NewReader(tokenString)).Decode(&tok)
	if err != nil {
		return nil, fmt.Errorf("could not decode token: %w", err)
	}
	return &tok, nil
}

func serializeToken(token *oauth2.Token) (string, error) {
	t, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("could not serialize token: %w", err)
	}
	return string(t), nil
}
