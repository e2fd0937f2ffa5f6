package azure

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// CognitiveServicesScope is the Azure AD scope accepted by Azure OpenAI.
	CognitiveServicesScope = "https://cognitiveservices.azure.com/.default"
	defaultAuthorityHost   = "https://login.microsoftonline.com"
)

// AuthorityHost is the Azure AD host used to build token URLs.
var AuthorityHost = defaultAuthorityHost

// NewTokenSource returns a cached client-credentials token source for Azure AD.
// Tokens are refreshed automatically when they expire.
func NewTokenSource(ctx context.Context, tenantID, clientID, clientSecret string) (oauth2.TokenSource, error) {
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, errors.New("tenant id, client id and client secret are required")
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimRight(AuthorityHost, "/") + "/" + tenantID + "/oauth2/v2.0/token",
		Scopes:       []string{CognitiveServicesScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cfg.TokenSource(ctx), nil
}
