package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"subsidy-workflow/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeycloak struct {
	tokenCalls atomic.Int32
	adminCalls atomic.Int32
}

func (f *fakeKeycloak) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/subsidy/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("client_secret") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "tok-1", ExpiresIn: 300, TokenType: "Bearer"})
	})
	mux.HandleFunc("/admin/realms/subsidy/users/u1/role-mappings/realm/composite", func(w http.ResponseWriter, r *http.Request) {
		f.adminCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]RoleRepresentation{{ID: "1", Name: "director"}, {ID: "2", Name: "offline_access"}})
	})
	mux.HandleFunc("/admin/realms/subsidy/users/u1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(User{ID: "u1", Email: "director@housing.gov", Username: "director", Enabled: true})
	})
	mux.HandleFunc("/admin/realms/subsidy/users/flaky/role-mappings/realm/composite", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func TestGetRealmRoles_CachesToken(t *testing.T) {
	fake := &fakeKeycloak{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	kc := NewKeycloakClient(srv.URL+"/", "subsidy", "workflow", "secret")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roles, err := kc.GetRealmRoles(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"director", "offline_access"}, roles)
	}

	assert.Equal(t, int32(1), fake.tokenCalls.Load())
	assert.Equal(t, int32(3), fake.adminCalls.Load())
}

func TestGetUser(t *testing.T) {
	srv := httptest.NewServer((&fakeKeycloak{}).handler())
	defer srv.Close()

	user, err := NewKeycloakClient(srv.URL, "subsidy", "workflow", "secret").GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "director@housing.gov", user.Email)
}

func TestGetRealmRoles_Errors(t *testing.T) {
	srv := httptest.NewServer((&fakeKeycloak{}).handler())
	defer srv.Close()
	ctx := context.Background()

	tests := []struct {
		name      string
		secret    string
		userID    string
		code      errors.ErrorCode
		retryable bool
	}{
		{name: "unknown user", secret: "secret", userID: "ghost", code: "USER_NOT_FOUND"},
		{name: "server unavailable", secret: "secret", userID: "flaky", code: "KEYCLOAK_API_ERROR", retryable: true},
		{name: "bad credentials", secret: "wrong", userID: "u1", code: "KEYCLOAK_AUTH_ERROR", retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeycloakClient(srv.URL, "subsidy", "workflow", tt.secret).GetRealmRoles(ctx, tt.userID)
			require.Error(t, err)

			stdErr := errors.AsStandardError(err)
			assert.Equal(t, tt.code, stdErr.Code)
			assert.Equal(t, tt.retryable, stdErr.Retryable)
		})
	}
}
