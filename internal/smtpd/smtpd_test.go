package smtpd

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	gosasl "github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailboat/mailboat/internal/auth"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/password"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/store"
	"github.com/mailboat/mailboat/internal/workerpool"
)

const testMsg = "From: <sender@example.org>\r\n" +
	"Subject: hello\r\n" +
	"\r\n" +
	"body\r\n"

// capturingHandler records the message handed off by a successful DATA,
// standing in for the Transfer Agent so this package's tests stay
// scoped to the SMTP front end.
type capturingHandler struct {
	msg      *rfc5322.Message
	internal bool
	fail     error
}

func (h *capturingHandler) HandleMessage(_ context.Context, msg *rfc5322.Message, internal bool) error {
	if h.fail != nil {
		return h.fail
	}
	h.msg = msg
	h.internal = internal
	return nil
}

func newTestServer(t *testing.T, authRequireTLS bool, authProvider *auth.Provider, handler MessageHandler) (addr string, shutdown func()) {
	t.Helper()
	b := NewBackend(Config{
		Hostname:       "mx.example.test",
		AuthRequireTLS: authRequireTLS,
	}, authProvider, handler, log.New("smtpd-test", false))

	srv := BuildServer(b)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return l.Addr().String(), func() { srv.Close() }
}

func newTestAuthProvider(t *testing.T) (*auth.Provider, *records.Hub) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenHub(store.MemSentinel, log.New("smtpd-test", false))
	if err != nil {
		t.Fatalf("OpenHub: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recs, err := records.NewHub(ctx, db)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return auth.New(recs, workerpool.New(4)), recs
}

func registerUser(t *testing.T, recs *records.Hub, username, pass string) records.UserRecord {
	t.Helper()
	hash, err := password.HashWithParams(pass, password.Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	u, err := recs.Register(context.Background(), username, username, hash, username+"@example.org")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// TestUnauthenticatedSubmissionIsAccepted exercises the plain MAIL/RCPT/
// DATA happy path with no AUTH at all, the way an inbound-only listener
// operates.
func TestUnauthenticatedSubmissionIsAccepted(t *testing.T) {
	handler := &capturingHandler{}
	addr, _ := newTestServer(t, false, nil, handler)

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()

	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := cl.Rcpt("rcpt@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := cl.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte(testMsg)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("DATA close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.msg == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.msg == nil {
		t.Fatal("handler never received the message")
	}
	if handler.internal {
		t.Fatal("an unauthenticated submission must not be marked internal")
	}
	if got := handler.msg.Header.Get("X-MailFrom"); got != "sender@example.org" {
		t.Fatalf("X-MailFrom = %q", got)
	}
	if got := handler.msg.Header.Get("X-RcptTo"); got != "rcpt@example.org" {
		t.Fatalf("X-RcptTo = %q", got)
	}
}

// TestAuthRequireTLSHidesAuth covers E2: when AuthRequireTLS is set and
// the connection has not negotiated TLS, go-smtp must not advertise (and
// must refuse) AUTH at all.
func TestAuthRequireTLSHidesAuth(t *testing.T) {
	authProvider, recs := newTestAuthProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")
	addr, _ := newTestServer(t, true, authProvider, &capturingHandler{})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	if ok, _ := cl.Extension("AUTH"); ok {
		t.Fatal("AUTH must not be advertised on a plaintext connection when AuthRequireTLS is set")
	}

	auth := gosasl.NewPlainClient("", "alyx", "alyxpassword")
	if err := cl.Auth(auth); err == nil {
		t.Fatal("AUTH PLAIN must be rejected over plaintext when AuthRequireTLS is set")
	}
}

// TestAuthPlainSucceedsMarksInternal covers the AUTH PLAIN path wired in
// BuildServer and its effect on the internal/relay-allow flag threaded
// through to the message handler.
func TestAuthPlainSucceedsMarksInternal(t *testing.T) {
	authProvider, recs := newTestAuthProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")
	handler := &capturingHandler{}
	addr, _ := newTestServer(t, false, authProvider, handler)

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	if err := cl.Auth(gosasl.NewPlainClient("", "alyx", "alyxpassword")); err != nil {
		t.Fatalf("AUTH PLAIN: %v", err)
	}

	if err := cl.Mail("alyx@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := cl.Rcpt("external@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := cl.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	w.Write([]byte(testMsg))
	if err := w.Close(); err != nil {
		t.Fatalf("DATA close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.msg == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.msg == nil {
		t.Fatal("handler never received the message")
	}
	if !handler.internal {
		t.Fatal("an authenticated submission must be marked internal")
	}
}

// TestAuthPlainWrongPasswordRejected ensures a bad password yields an
// SMTP-level auth failure rather than a silent success.
func TestAuthPlainWrongPasswordRejected(t *testing.T) {
	authProvider, recs := newTestAuthProvider(t)
	registerUser(t, recs, "alyx", "alyxpassword")
	addr, _ := newTestServer(t, false, authProvider, &capturingHandler{})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}

	if err := cl.Auth(gosasl.NewPlainClient("", "alyx", "wrong")); err == nil {
		t.Fatal("AUTH PLAIN with a wrong password should fail")
	}
}

// TestMalformedDataRejected exercises session.Data's parse-failure path.
func TestMalformedDataRejected(t *testing.T) {
	addr, _ := newTestServer(t, false, nil, &capturingHandler{})

	cl, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer cl.Close()
	if err := cl.Hello("client.example.org"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := cl.Mail("sender@example.org", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := cl.Rcpt("rcpt@example.org", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := cl.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	// No CRLFCRLF header/body separator at all: go-message's header
	// reader should fail to find an end of header and rfc5322.Parse
	// should surface that as an error.
	w.Write([]byte(strings.Repeat("x", 4096)))
	if err := w.Close(); err == nil {
		t.Fatal("malformed DATA should be rejected with a 5xx, not accepted")
	}
}
