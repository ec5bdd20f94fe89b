package sharing

import (
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	tokens := NewTokenIssuer(docstore.NewStore(), []byte("secret"), aliceURL)
	client, err := tokens.RegisterClient("sharing-1", bobURL)
	if err != nil {
		t.Fatalf("register client failed: %v", err)
	}
	token, err := tokens.Issue(client)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := tokens.Verify(token, "sharing-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.ClientID() != client.ID || claims.SharingID != "sharing-1" || claims.Issuer != aliceURL {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	stored, err := tokens.Client(client.ID)
	if err != nil {
		t.Fatalf("load client failed: %v", err)
	}
	if stored.Peer != bobURL || stored.Secret != client.Secret {
		t.Fatalf("unexpected stored client: %+v", stored)
	}
}

func TestTokenIssuerRejectsOtherSharingAndForeignSignature(t *testing.T) {
	store := docstore.NewStore()
	tokens := NewTokenIssuer(store, []byte("secret"), aliceURL)
	client, err := tokens.RegisterClient("sharing-1", bobURL)
	if err != nil {
		t.Fatalf("register client failed: %v", err)
	}
	token, err := tokens.Issue(client)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := tokens.Verify(token, "sharing-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another sharing, got %v", err)
	}

	other := NewTokenIssuer(store, []byte("another-secret"), aliceURL)
	if _, err := other.Verify(token, "sharing-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a foreign signature, got %v", err)
	}
	if _, err := tokens.Verify("not-a-token", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for garbage, got %v", err)
	}
}

func TestTokenIssuerExchange(t *testing.T) {
	tokens := NewTokenIssuer(docstore.NewStore(), []byte("secret"), aliceURL)
	tokens.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	client, err := tokens.RegisterClient("sharing-1", bobURL)
	if err != nil {
		t.Fatalf("register client failed: %v", err)
	}
	if _, err := tokens.Exchange(client.ID, "wrong"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	fresh, err := tokens.Exchange(client.ID, client.Secret)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	claims, err := tokens.Verify(fresh, "sharing-1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !claims.IssuedAt.Time.Equal(tokens.now()) {
		t.Fatalf("expected issued at %v, got %v", tokens.now(), claims.IssuedAt.Time)
	}
	if _, err := tokens.Exchange("unknown", "x"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked for an unknown client, got %v", err)
	}
}

func TestDeleteClientRevokesTokens(t *testing.T) {
	tokens := NewTokenIssuer(docstore.NewStore(), []byte("secret"), aliceURL)
	client, err := tokens.RegisterClient("sharing-1", bobURL)
	if err != nil {
		t.Fatalf("register client failed: %v", err)
	}
	token, err := tokens.Issue(client)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := tokens.DeleteClient(client.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := tokens.Verify(token, "sharing-1"); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
	if err := tokens.DeleteClient(client.ID); err != nil {
		t.Fatalf("expected deleting twice to succeed, got %v", err)
	}
	if err := tokens.DeleteClient(""); err != nil {
		t.Fatalf("expected deleting nothing to succeed, got %v", err)
	}
}
