package imapbackend

import (
	"context"
	"testing"

	"github.com/emersion/go-imap"

	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/store"
)

// TestSearchByFromHeader: after local delivery, a SEARCH FROM query
// against the recipient's Inbox returns exactly one sequence number,
// and Status reports one RECENT message.
func TestSearchByFromHeader(t *testing.T) {
	b, recs := newTestBackend(t)
	registerTestUser(t, recs, "alyx", "alyxpassword")
	registerTestUser(t, recs, "freeman", "freemanpassword")

	raw := "From: alyx@foo.bar\r\nTo: freeman@foo.bar\r\nSubject: Hello\r\nMessage-Id: <1@foo.bar>\r\n\r\nhi\r\n"
	msg, err := rfc5322.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Deliver(context.Background(), "freeman@foo.bar", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	u, err := b.Login(nil, "freeman", "freemanpassword")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	mbox, err := u.GetMailbox("Inbox")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}

	status, err := mbox.Status([]imap.StatusItem{imap.StatusRecent, imap.StatusMessages})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Recent != 1 {
		t.Fatalf("Recent = %d, want 1", status.Recent)
	}

	criteria := &imap.SearchCriteria{Header: map[string][]string{"From": {"alyx@foo.bar"}}}
	seqs, err := mbox.SearchMessages(false, criteria)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(seqs) != 1 {
		t.Fatalf("SearchMessages returned %d results, want 1", len(seqs))
	}

	miss := &imap.SearchCriteria{Header: map[string][]string{"From": {"nobody@elsewhere.example"}}}
	seqs, err = mbox.SearchMessages(false, miss)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(seqs) != 0 {
		t.Fatalf("SearchMessages for a non-matching From returned %d results, want 0", len(seqs))
	}

	item := imap.FetchItem("BODY.PEEK[]")
	section, err := imap.ParseBodySectionName(item)
	if err != nil {
		t.Fatalf("ParseBodySectionName: %v", err)
	}
	fetched := make(chan *imap.Message, 1)
	set := &imap.SeqSet{}
	set.AddNum(1)
	if err := mbox.ListMessages(false, set, []imap.FetchItem{item}, fetched); err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	got := <-fetched
	lit := got.GetBody(section)
	if lit == nil {
		t.Fatal("fetched message missing requested body section")
	}
	buf := make([]byte, lit.Len())
	if _, err := lit.Read(buf); err != nil {
		t.Fatalf("reading body literal: %v", err)
	}
	if string(buf) != raw {
		t.Fatalf("fetched body = %q, want %q", buf, raw)
	}
}

// TestDeleteMailboxDerefsMail: deleting a
// mailbox must dereference every message it held, the same discipline
// Expunge follows, so a message with no remaining placement is
// garbage-collected rather than left as a permanent MailStoreRecord.
func TestDeleteMailboxDerefsMail(t *testing.T) {
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

	ctx := context.Background()
	if _, ok, err := recs.Mails.FindOne(ctx, store.Doc{"message_id": "<1@foo.bar>"}); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected a MailStoreRecord after delivery")
	}

	u := &User{backend: b, record: user, scope: nil}
	if err := u.DeleteMailbox("Inbox"); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}

	if _, ok, err := recs.Mails.FindOne(ctx, store.Doc{"message_id": "<1@foo.bar>"}); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("MailStoreRecord leaked after its only mailbox was deleted")
	}
}
