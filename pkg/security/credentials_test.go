package security

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/oauth2"
)

type staticTokenSource struct {
	token *oauth2.Token
	err   error
}

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func TestOAuth2CredentialSourcePassword(t *testing.T) {
	src := NewOAuth2CredentialSource(staticTokenSource{token: &oauth2.Token{AccessToken: "iam-token"}})

	password, err := src.Password(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if password != "iam-token" {
		t.Errorf("Password() = %q, want %q", password, "iam-token")
	}
}

func TestOAuth2CredentialSourcePropagatesTokenError(t *testing.T) {
	src := NewOAuth2CredentialSource(staticTokenSource{err: errors.New("refresh failed")})

	if _, err := src.Password(context.Background()); err == nil {
		t.Error("expected an error when the token source fails")
	}
}

func TestOAuth2CredentialSourceRejectsEmptyAccessToken(t *testing.T) {
	src := NewOAuth2CredentialSource(staticTokenSource{token: &oauth2.Token{}})

	if _, err := src.Password(context.Background()); err == nil {
		t.Error("expected an error for an empty access token")
	}
}
