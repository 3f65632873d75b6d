package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesDeviceTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueDeviceToken(context.Background(), "bedside-phone")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}

	if expiresIn != 1800 {
		t.Fatalf("expected 1800 expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}

	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "bedside-phone" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "polysleep" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "polysleep-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: nil,
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      30 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "tablet")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "tablet" {
		t.Fatalf("unexpected subject %s", subject)
	}

	_, err = issuer.ValidateToken("invalid.token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for malformed token, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "phone")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	later, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now.Add(time.Hour) },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := later.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	foreign, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      "someone-else",
		TokenTTL:      time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := foreign.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for foreign audience, got %v", err)
	}
}

func TestTokenIssuerValidatesBearerHeader(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueDeviceToken(context.Background(), "watch")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	request.Header.Set("Authorization", "Bearer "+tokenString)
	subject, err := issuer.ValidateRequest(request)
	if err != nil {
		t.Fatalf("expected bearer validation success: %v", err)
	}
	if subject != "watch" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestNewTokenIssuerRequiresIssuerAndAudience(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "",
		Audience:      "polysleep-api",
		TokenTTL:      5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing issuer")
	}

	_, err = NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      " ",
		TokenTTL:      5 * time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for missing audience")
	}
}

func TestNewTokenIssuerRequiresPositiveTTL(t *testing.T) {
	_, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "polysleep",
		Audience:      "polysleep-api",
		TokenTTL:      -time.Minute,
	})
	if err == nil {
		t.Fatalf("expected error for negative ttl")
	}
}
