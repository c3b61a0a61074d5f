package httpapi

import (
	"strings"
	"testing"
	"time"

	"armadaledger/backend/internal/domain"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	return NewAuthManager("test-secret-key-that-is-long-enough", time.Hour, nil)
}

func TestLoginUnknownUserFails(t *testing.T) {
	auth := newTestAuth(t)

	_, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "whatever"})
	if err == nil {
		t.Fatalf("expected login failure for unknown user")
	}
}

func TestCreateClerkAndLogin(t *testing.T) {
	auth := newTestAuth(t)

	clerk, err := auth.CreateClerk(domain.ClerkCreateRequest{Username: "Budi1", Password: "secret99"})
	if err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if clerk.Username != "budi1" {
		t.Fatalf("expected lowercased username, got %s", clerk.Username)
	}
	if clerk.Role != "clerk" {
		t.Fatalf("expected clerk role, got %s", clerk.Role)
	}

	resp, err := auth.Login(domain.LoginRequest{Username: "budi1", Password: "secret99"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "clerk" {
		t.Fatalf("expected clerk role in response, got %s", resp.Role)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "budi1" || actor.Role != "clerk" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestCreateClerkValidation(t *testing.T) {
	auth := newTestAuth(t)

	cases := []domain.ClerkCreateRequest{
		{Username: "ab", Password: "secret99"},
		{Username: "has space", Password: "secret99"},
		{Username: "validname", Password: "123"},
	}
	for _, req := range cases {
		if _, err := auth.CreateClerk(req); err == nil {
			t.Fatalf("expected validation error for %+v", req)
		}
	}
}

func TestCreateClerkDuplicate(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.CreateClerk(domain.ClerkCreateRequest{Username: "siti1", Password: "secret99"}); err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if _, err := auth.CreateClerk(domain.ClerkCreateRequest{Username: "siti1", Password: "other999"}); err == nil {
		t.Fatalf("expected duplicate username to fail")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.ParseToken("not-a-jwt"); err == nil {
		t.Fatalf("expected parse failure for garbage token")
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	auth := newTestAuth(t)
	other := NewAuthManager("a-completely-different-secret-key!!", time.Hour, nil)

	if _, err := other.CreateClerk(domain.ClerkCreateRequest{Username: "wira1", Password: "secret99"}); err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	resp, err := other.Login(domain.LoginRequest{Username: "wira1", Password: "secret99"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with other secret to be rejected")
	}
}

func TestListClerksSorted(t *testing.T) {
	auth := newTestAuth(t)

	for _, name := range []string{"zaki1", "andi1", "maya1"} {
		if _, err := auth.CreateClerk(domain.ClerkCreateRequest{Username: name, Password: "secret99"}); err != nil {
			t.Fatalf("create clerk %s failed: %v", name, err)
		}
	}

	clerks := auth.ListClerks()
	if len(clerks) != 3 {
		t.Fatalf("expected 3 clerks, got %d", len(clerks))
	}
	for i := 1; i < len(clerks); i++ {
		if strings.Compare(clerks[i-1].Username, clerks[i].Username) > 0 {
			t.Fatalf("clerks not sorted: %v", clerks)
		}
	}
}

func TestPasswordHashingRoundTrip(t *testing.T) {
	hash, err := hashPassword("rahasia-dapur")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !isPasswordHash(hash) {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}
	if !verifyPassword(hash, "rahasia-dapur") {
		t.Fatalf("expected password to verify")
	}
	if verifyPassword(hash, "wrong") {
		t.Fatalf("expected wrong password to fail")
	}
	if verifyPassword("plaintext", "plaintext") {
		t.Fatalf("plaintext stored value must never verify")
	}
}
