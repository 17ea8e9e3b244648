package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("user-1", "Ada", "secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != "user-1" || claims.Name != "Ada" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	expired, err := GenerateToken("user-1", "", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := Parse(expired, "secret"); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
	valid, _ := GenerateToken("user-1", "", "secret", time.Minute)
	if _, err := Parse(valid, "other"); err == nil {
		t.Fatalf("expected signature mismatch to be rejected")
	}
	if _, err := GenerateToken("", "", "secret", time.Minute); err == nil {
		t.Fatalf("expected empty user id to be rejected")
	}
}
