package azure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenSource(t *testing.T) {
	var tokenCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		assert.Equal(t, "/tenant-1/oauth2/v2.0/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, CognitiveServicesScope, r.PostForm.Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"aad-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	prev := AuthorityHost
	AuthorityHost = server.URL
	defer func() { AuthorityHost = prev }()

	ts, err := NewTokenSource(context.Background(), "tenant-1", "client-1", "secret")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "aad-token", tok.AccessToken)
	}
	assert.Equal(t, 1, tokenCalls, "token should be cached until it expires")
}

func TestNewTokenSourceMissingCredentials(t *testing.T) {
	tests := []struct {
		name                   string
		tenant, client, secret string
	}{
		{name: "no tenant", client: "c", secret: "s"},
		{name: "no client", tenant: "t", secret: "s"},
		{name: "no secret", tenant: "t", client: "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenSource(context.Background(), tt.tenant, tt.client, tt.secret)
			assert.Error(t, err)
		})
	}
}
