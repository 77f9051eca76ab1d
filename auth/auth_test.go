package auth

import (
	"testing"

	"github.com/google/uuid"

	"github.com/whisper-darkly/signalwatch/store"
)

func TestIssueAndParseAccessToken(t *testing.T) {
	secret := []byte("test-secret")
	sid := uuid.New()
	token, err := IssueAccessToken(secret, 7, sid, store.RoleAdmin)
	if err != nil {
		t.Fatalf("issue err = %v", err)
	}

	claims, err := ParseAccessToken(secret, token)
	if err != nil {
		t.Fatalf("parse err = %v", err)
	}
	if claims.Subject != "7" {
		t.Errorf("subject = %q, want 7", claims.Subject)
	}
	if claims.Role != string(store.RoleAdmin) {
		t.Errorf("role = %q, want admin", claims.Role)
	}
	if claims.SessionID != sid {
		t.Errorf("session id mismatch")
	}
}

func TestParseAccessTokenRejectsWrongSecret(t *testing.T) {
	token, err := IssueAccessToken([]byte("secret-a"), 1, uuid.New(), store.RoleOperator)
	if err != nil {
		t.Fatalf("issue err = %v", err)
	}
	if _, err := ParseAccessToken([]byte("secret-b"), token); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash err = %v", err)
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Error("expected correct password to check out")
	}
	if CheckPassword(hash, "wrong password") {
		t.Error("expected wrong password to fail")
	}
}

func TestGenerateRefreshTokenIsUnique(t *testing.T) {
	a, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	b, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if a == b {
		t.Error("expected distinct refresh tokens")
	}
}
