package accounts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/splax/launchpad/api/internal/repository/memory"
	"github.com/splax/launchpad/pkg/crypto"
)

type verifierMock struct {
	login string
	err   error
}

func (v verifierMock) VerifyToken(context.Context, string) (string, error) {
	return v.login, v.err
}

func newService(t *testing.T, v verifierMock) (*Service, *memory.Repository) {
	t.Helper()
	box, err := crypto.NewBox("account-secret")
	if err != nil {
		t.Fatalf("box: %v", err)
	}
	store := memory.New()
	return New(store, v, box, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestLinkStoresEncryptedToken(t *testing.T) {
	svc, store := newService(t, verifierMock{login: "octocat"})
	ctx := context.Background()

	link, err := svc.Link(ctx, "user-1", " gho_secret ")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if link.Login != "octocat" || !link.Active() {
		t.Fatalf("unexpected link %+v", link)
	}
	stored, err := store.GetAccountLink(ctx, "user-1", ProviderGitHub)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if bytes.Contains(stored.Token, []byte("gho_secret")) {
		t.Fatalf("token must not be stored in plaintext")
	}
	creds, err := svc.Credentials(ctx, "user-1")
	if err != nil || creds.Token != "gho_secret" || creds.Login != "octocat" {
		t.Fatalf("unexpected credentials %+v (%v)", creds, err)
	}
}

func TestLinkRejectsBadToken(t *testing.T) {
	svc, _ := newService(t, verifierMock{err: errors.New("GET https://api.github.com/user: 401 Bad credentials")})
	if _, err := svc.Link(context.Background(), "user-1", "gho_bad"); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expected rejected token, got %v", err)
	}
	if _, err := svc.Link(context.Background(), "user-1", ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected token required, got %v", err)
	}
	if _, err := svc.Credentials(context.Background(), "user-1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected not linked, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, _ := newService(t, verifierMock{login: "octocat"})
	ctx := context.Background()
	if err := svc.Revoke(ctx, "user-1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("expected not linked, got %v", err)
	}
	if _, err := svc.Link(ctx, "user-1", "gho_secret"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := svc.Revoke(ctx, "user-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	link, err := svc.Get(ctx, "user-1")
	if err != nil || link.Active() {
		t.Fatalf("expected revoked link, got %+v (%v)", link, err)
	}
	if _, err := svc.Credentials(ctx, "user-1"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("revoked link must not yield credentials, got %v", err)
	}
}
