package auth

import (
	"context"
	"testing"

	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/password"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/store"
	"github.com/mailboat/mailboat/internal/workerpool"
)

func newTestProvider(t *testing.T) (*Provider, *records.Hub) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenHub(store.MemSentinel, log.New("auth-test", false))
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recs, err := records.NewHub(ctx, db)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return New(recs, workerpool.New(4)), recs
}

func registerUser(t *testing.T, recs *records.Hub, username, pass string) records.UserRecord {
	t.Helper()
	hash, err := password.HashWithParams(pass, password.Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	user, err := recs.Register(context.Background(), username, username, hash, username+"@foo.bar")
	if err != nil {
		t.Fatal(err)
	}
	return user
}

func TestAuthUnknownUser(t *testing.T) {
	p, _ := newTestProvider(t)
	answer, err := p.Auth(context.Background(), Request{Username: "nobody", Password: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Handled || answer.Success {
		t.Fatalf("unknown user should be handled=true success=false, got %+v", answer)
	}
}

func TestAuthWrongPassword(t *testing.T) {
	p, recs := newTestProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")

	answer, err := p.Auth(context.Background(), Request{Username: "alyx", Password: "wrong"})
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Handled || answer.Success {
		t.Fatalf("wrong password should be handled=true success=false, got %+v", answer)
	}
}

func TestAuthSuccessAndTokenMint(t *testing.T) {
	p, recs := newTestProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")

	answer, err := p.Auth(context.Background(), Request{
		Username:     "alyx",
		Password:     "alyxpassword",
		RequestToken: true,
		Now:          1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !answer.Success {
		t.Fatalf("correct password should succeed, got %+v", answer)
	}
	if answer.Token == "" {
		t.Fatal("RequestToken=true should mint a token")
	}
	if len(answer.Scope) != 1 || answer.Scope[0] != "act_as_user" {
		t.Fatalf("default new_token_scope should be [act_as_user], got %v", answer.Scope)
	}

	// The minted token must itself be usable to authenticate.
	tokenAnswer, err := p.Auth(context.Background(), Request{Token: answer.Token, Now: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if !tokenAnswer.Success {
		t.Fatalf("minted token should authenticate, got %+v", tokenAnswer)
	}
}

func TestAuthTokenExpiration(t *testing.T) {
	p, recs := newTestProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")

	answer, err := p.Auth(context.Background(), Request{
		Username:        "alyx",
		Password:        "alyxpassword",
		RequestToken:    true,
		Now:             1000,
		TokenTTLSeconds: 60,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Still within the TTL.
	ok, err := p.Auth(context.Background(), Request{Token: answer.Token, Now: 1030})
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Success {
		t.Fatal("token should still be available before expiration")
	}

	// Past the TTL.
	expired, err := p.Auth(context.Background(), Request{Token: answer.Token, Now: 1061})
	if err != nil {
		t.Fatal(err)
	}
	if expired.Success {
		t.Fatal("token should be rejected once expired")
	}
}

func TestAuthUnhandledRequest(t *testing.T) {
	p, _ := newTestProvider(t)
	answer, err := p.Auth(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if answer.Handled {
		t.Fatalf("a request with no usable credential shape must be unhandled, got %+v", answer)
	}
}
