package imapbackend

import (
	"context"
	"testing"

	"github.com/mailboat/mailboat/internal/auth"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/password"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/scope"
	"github.com/mailboat/mailboat/internal/store"
	"github.com/mailboat/mailboat/internal/workerpool"
)

func newTestBackend(t *testing.T) (*Backend, *records.Hub) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenHub(store.MemSentinel, log.New("imap-test", false))
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recs, err := records.NewHub(ctx, db)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	authProvider := auth.New(recs, workerpool.New(4))
	return New(recs, authProvider, log.New("imap-test", false)), recs
}

func registerTestUser(t *testing.T, recs *records.Hub, username, pass string) records.UserRecord {
	t.Helper()
	hash, err := password.HashWithParams(pass, password.Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	u, err := recs.Register(context.Background(), username, username, hash, username+"@foo.bar")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestLoginPasswordSuccess(t *testing.T) {
	b, recs := newTestBackend(t)
	registerTestUser(t, recs, "alyx", "alyxpassword")

	u, err := b.Login(nil, "alyx", "alyxpassword")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.Username() != "alyx" {
		t.Fatalf("Username() = %q", u.Username())
	}
}

func TestLoginPasswordFailure(t *testing.T) {
	b, recs := newTestBackend(t)
	registerTestUser(t, recs, "alyx", "alyxpassword")

	if _, err := b.Login(nil, "alyx", "wrong"); err == nil {
		t.Fatal("Login with a wrong password should fail")
	}
}

func TestLoginTokenScopeActAsUserSucceeds(t *testing.T) {
	// E5: a token minted with scope [act_as_user] authenticates via the
	// login-token authcid.
	b, recs := newTestBackend(t)
	user := registerTestUser(t, recs, "alyx", "alyxpassword")

	tok := records.NewToken(user.ProfileID, records.AppIDPasswordGrant, []string{scope.ActAsUser}, 0)
	stored, err := recs.StoreToken(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Login(nil, loginTokenAuthcid, stored.Token); err != nil {
		t.Fatalf("Login with an act_as_user token should succeed, got: %v", err)
	}
}

func TestLoginTokenScopeMailIsRejected(t *testing.T) {
	// E5: a token minted with the broader [mail] scope must be rejected
	// with an Authorization failure — broader than an IMAP login needs.
	b, recs := newTestBackend(t)
	user := registerTestUser(t, recs, "alyx", "alyxpassword")

	tok := records.NewToken(user.ProfileID, records.AppIDPasswordGrant, []string{scope.Mail}, 0)
	stored, err := recs.StoreToken(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Login(nil, loginTokenAuthcid, stored.Token); err == nil {
		t.Fatal("Login with a [mail]-scoped token should be rejected")
	}
}

func TestLoginAdminTokenAlwaysRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	if _, err := b.Login(nil, adminTokenAuthcid, "anything"); err == nil {
		t.Fatal("admin-token authcid must never authenticate an IMAP session")
	}
}

func TestLoginUnknownTokenRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	if _, err := b.Login(nil, loginTokenAuthcid, "does-not-exist"); err == nil {
		t.Fatal("an unknown token must be rejected")
	}
}

func TestDeliverPlacesMessageInInbox(t *testing.T) {
	b, recs := newTestBackend(t)
	user := registerTestUser(t, recs, "freeman", "freemanpassword")

	raw := "From: alyx@foo.bar\r\nTo: freeman@foo.bar\r\nMessage-Id: <1@foo.bar>\r\n\r\nhi\r\n"
	msg, err := rfc5322.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Deliver(context.Background(), "freeman@foo.bar", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	inboxID := user.Mailboxes["Inbox"]
	ch, err := recs.MailRecs.Find(context.Background(), store.Doc{"mailbox_id": inboxID})
	if err != nil {
		t.Fatal(err)
	}
	var count int
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("Inbox has %d MailRecord rows, want 1", count)
	}
}

func TestNewTokenRequiresActAsUser(t *testing.T) {
	b, recs := newTestBackend(t)
	user := registerTestUser(t, recs, "alyx", "alyxpassword")

	u := &User{backend: b, record: user, scope: scope.Set{}}
	if _, err := u.NewToken(0); err == nil {
		t.Fatal("NewToken should be refused without an act_as_user-scoped session")
	}

	u2 := &User{backend: b, record: user, scope: scope.Set{scope.ActAsUser}}
	tokStr, err := u2.NewToken(0)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if tokStr == "" {
		t.Fatal("NewToken should return a non-empty token string")
	}
}
