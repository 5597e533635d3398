package security

import (
	"context"
	"fmt"

	"github.com/sharding-system/pkg/shardquery"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2CredentialSource satisfies shardquery.CredentialSource by
// pulling a fresh IAM access token from an oauth2.TokenSource and
// handing it back as the connection password, the way managed
// Postgres/MySQL IAM authentication expects. oauth2.TokenSource already
// caches and refreshes ahead of expiry, so Password never blocks on a
// token fetch unless the cached one has actually gone stale.
type OAuth2CredentialSource struct {
	tokenSource oauth2.TokenSource
}

// NewOAuth2CredentialSource wraps an existing token source, e.g. one
// built by golang.org/x/oauth2/google.DefaultTokenSource for Cloud SQL
// IAM auth.
func NewOAuth2CredentialSource(ts oauth2.TokenSource) *OAuth2CredentialSource {
	return &OAuth2CredentialSource{tokenSource: ts}
}

// NewClientCredentialsSource builds a credential source over the
// OAuth2 client-credentials grant, for IAM providers that authenticate
// the query engine itself as a service principal rather than a signed
// -in user.
func NewClientCredentialsSource(ctx context.Context, clientID, clientSecret, tokenURL string, scopes []string) *OAuth2CredentialSource {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return &OAuth2CredentialSource{tokenSource: cfg.TokenSource(ctx)}
}

// Password implements shardquery.CredentialSource.
func (s *OAuth2CredentialSource) Password(ctx context.Context) (string, error) {
	tok, err := s.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("security: failed to refresh IAM token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("security: IAM token source returned an empty access token")
	}
	return tok.AccessToken, nil
}

var _ shardquery.CredentialSource = (*OAuth2CredentialSource)(nil)
