package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *http.Request) {
	t.Helper()
	var got http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		got = *r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestAuthority(t *testing.T) {
	t.Parallel()

	if got := Authority("", "tenant-1"); got != "https://login.microsoftonline.com/tenant-1" {
		t.Fatalf("got %s", got)
	}
	if got := Authority("http://127.0.0.1:1234/", "t"); got != "http://127.0.0.1:1234/t" {
		t.Fatalf("got %s", got)
	}
}

func TestToken_ClientCredentialsGrant(t *testing.T) {
	t.Parallel()

	srv, req := tokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":3599}`)

	a, err := New(Options{
		ClientID:     "client",
		ClientSecret: "secret",
		Authority:    Authority(srv.URL, "tenant-1"),
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tok, err := a.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "abc" {
		t.Fatalf("access token=%q", tok.AccessToken)
	}
	if req.URL.Path != "/tenant-1/oauth2/v2.0/token" {
		t.Fatalf("path=%s", req.URL.Path)
	}
	if req.PostForm.Get("grant_type") != "client_credentials" {
		t.Fatalf("grant_type=%q", req.PostForm.Get("grant_type"))
	}
	if req.PostForm.Get("scope") != GraphDefaultScope {
		t.Fatalf("scope=%q", req.PostForm.Get("scope"))
	}
	if req.PostForm.Get("client_id") != "client" || req.PostForm.Get("client_secret") != "secret" {
		t.Fatalf("credentials not sent in body: %v", req.PostForm)
	}
}

func TestToken_SurfacesProviderError(t *testing.T) {
	t.Parallel()

	srv, _ := tokenServer(t, http.StatusUnauthorized,
		`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided."}`)

	a, err := New(Options{ClientID: "c", ClientSecret: "bad", Authority: srv.URL + "/t", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = a.Token(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "invalid_client") || !strings.Contains(msg, "AADSTS7000215") {
		t.Fatalf("error lacks code/description: %v", msg)
	}
}

func TestToken_MissingAccessToken(t *testing.T) {
	t.Parallel()

	srv, _ := tokenServer(t, http.StatusOK, `{"token_type":"Bearer"}`)

	a, err := New(Options{ClientID: "c", ClientSecret: "s", Authority: srv.URL + "/t", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Token(context.Background())
	if !errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("err=%v, want ErrNoAccessToken", err)
	}
}

func TestToken_ProviderErrorIsNotMissingToken(t *testing.T) {
	t.Parallel()

	srv, _ := tokenServer(t, http.StatusOK, `{"error":"invalid_scope","error_description":"AADSTS70011: bad scope"}`)

	a, err := New(Options{ClientID: "c", ClientSecret: "s", Authority: srv.URL + "/t", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Token(context.Background())
	if err == nil || errors.Is(err, ErrNoAccessToken) {
		t.Fatalf("err=%v, want provider error", err)
	}
	if !strings.Contains(err.Error(), "invalid_scope - AADSTS70011") {
		t.Fatalf("error lacks code/description: %v", err)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{ClientID: "c", Authority: "https://x/t"}); err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
