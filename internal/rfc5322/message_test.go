package rfc5322

import (
	"strings"
	"testing"
)

const sampleMessage = "From: alyx@foo.bar\r\n" +
	"To: freeman@foo.bar\r\n" +
	"Subject: Hello\r\n" +
	"Message-Id: <1@foo.bar>\r\n" +
	"\r\n" +
	"body text\r\n"

func TestParseExtractsHeaderAndBody(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.MessageID() != "<1@foo.bar>" {
		t.Fatalf("MessageID() = %q", msg.MessageID())
	}
	if string(msg.Body) != "body text\r\n" {
		t.Fatalf("Body = %q", msg.Body)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatal(err)
	}
	clone := msg.Clone()
	clone.SetDeliveredTo("freeman@foo.bar")
	clone.Body[0] = 'X'

	if msg.DeliveredTo() != "" {
		t.Fatal("mutating the clone's Delivered-To must not affect the original")
	}
	if msg.Body[0] == 'X' {
		t.Fatal("mutating the clone's body must not affect the original")
	}
}

func TestSetDeliveredToReplacesExisting(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatal(err)
	}
	msg.SetDeliveredTo("a@foo.bar")
	msg.SetDeliveredTo("b@foo.bar")
	if msg.DeliveredTo() != "b@foo.bar" {
		t.Fatalf("DeliveredTo() = %q, want exactly one value", msg.DeliveredTo())
	}
}

func TestRewriteBccKeepsOnlyOneRecipient(t *testing.T) {
	raw := "From: alyx@foo.bar\r\nTo: a@foo.bar\r\nBcc: a@foo.bar, b@foo.bar\r\nMessage-Id: <1@foo.bar>\r\n\r\nhi\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	msg.RewriteBcc("b@foo.bar")
	if msg.Bcc() != "b@foo.bar" {
		t.Fatalf("Bcc() = %q, want exactly b@foo.bar", msg.Bcc())
	}
}

func TestStripHeaders(t *testing.T) {
	raw := "From: a@foo.bar\r\nX-Peer: 127.0.0.1\r\nX-MailFrom: a@foo.bar\r\nMessage-Id: <1@foo.bar>\r\n\r\nhi\r\n"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	msg.StripHeaders("X-Peer", "X-MailFrom")
	if msg.Header.Has("X-Peer") || msg.Header.Has("X-MailFrom") {
		t.Fatal("StripHeaders should remove every named header")
	}
}

func TestRecipientsParsesAddressList(t *testing.T) {
	addrs := Recipients("alyx@foo.bar, Freeman <freeman@foo.bar>")
	if len(addrs) != 2 {
		t.Fatalf("Recipients returned %d addresses, want 2", len(addrs))
	}
	if addrs[0].Address != "alyx@foo.bar" || addrs[1].Address != "freeman@foo.bar" {
		t.Fatalf("Recipients = %+v", addrs)
	}
}

func TestRecipientsEmpty(t *testing.T) {
	if got := Recipients(""); got != nil {
		t.Fatalf("Recipients(\"\") = %v, want nil", got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	msg, err := Parse([]byte(sampleMessage))
	if err != nil {
		t.Fatal(err)
	}
	out, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "Message-Id: <1@foo.bar>") {
		t.Fatalf("Bytes() dropped the Message-Id header: %q", out)
	}
	if !strings.HasSuffix(string(out), "body text\r\n") {
		t.Fatalf("Bytes() did not preserve the body: %q", out)
	}
}
