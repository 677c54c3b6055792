// Package imapbackend binds the Record Store to emersion/go-imap's
// backend.Backend contract: authentication, mailbox listing, message
// fetch/search/flag/copy, and local delivery into a user's mailboxes.
package imapbackend

import (
	"context"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"

	"github.com/mailboat/mailboat/internal/auth"
	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/scope"
)

// loginTokenAuthcid is the reserved username that routes the password
// field as a bearer token rather than a password.
const loginTokenAuthcid = "login-token"

// adminTokenAuthcid is a reserved username explicitly rejected: admin
// tokens are never accepted as IMAP login credentials.
const adminTokenAuthcid = "admin-token"

// Backend implements backend.Backend against mailboat's Record Store.
type Backend struct {
	Records *records.Hub
	Auth    *auth.Provider
	Log     log.Logger
}

// New builds a Backend.
func New(recs *records.Hub, authProvider *auth.Provider, l log.Logger) *Backend {
	return &Backend{Records: recs, Auth: authProvider, Log: l}
}

// Login implements backend.Backend. The authcid field selects one of
// three credential shapes: a literal "login-token" username
// means the password field is a bearer token; a literal "admin-token"
// username is always rejected (admin tokens never authenticate IMAP
// sessions); anything else is a conventional username/password pair.
func (b *Backend) Login(_ *imap.ConnInfo, username, password string) (backend.User, error) {
	ctx := context.Background()
	now := time.Now().Unix()

	var answer auth.Answer
	var err error
	var mintedScope []string

	switch username {
	case adminTokenAuthcid:
		return nil, exterrors.New(exterrors.Authorization, "admin tokens cannot authenticate IMAP sessions", nil)
	case loginTokenAuthcid:
		answer, err = b.Auth.Auth(ctx, auth.Request{Token: password, Now: now})
		if err == nil && answer.Handled && answer.Success {
			// The token's scope must cover act_as_user and must NOT
			// also cover mail: a token broad enough for mail is more
			// than an IMAP login needs and is rejected here.
			granted := scope.Set(answer.Scope)
			if !granted.Contains(scope.ActAsUser) || granted.Contains(scope.Mail) {
				return nil, exterrors.New(exterrors.Authorization, "token scope does not authorize an IMAP login", nil)
			}
		}
	default:
		answer, err = b.Auth.Auth(ctx, auth.Request{Username: username, Password: password, Now: now})
		mintedScope = []string{scope.ActAsUser}
	}
	if err != nil {
		return nil, err
	}
	if !answer.Handled || !answer.Success {
		return nil, backend.ErrInvalidPassword
	}

	user, ok, err := b.Records.FindUserByProfileID(ctx, answer.Profile)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, backend.ErrInvalidPassword
	}

	sessionToken := password
	sessionScope := scope.Set(answer.Scope)
	if username != loginTokenAuthcid {
		// Password logins mint a fresh act_as_user token, independent
		// of whatever token (if any) SMTP submission already minted
		// for this user.
		tok := records.NewToken(user.ProfileID, records.AppIDPasswordGrant, mintedScope, 0)
		stored, err := b.Records.StoreToken(ctx, tok)
		if err != nil {
			return nil, err
		}
		sessionToken = stored.Token
		sessionScope = scope.Set(stored.Scope)
	}

	return &User{backend: b, record: user, token: sessionToken, scope: sessionScope}, nil
}

// Deliver implements transferagent.LocalDeliveryHandler: recipient is a
// full address (user@domain); the local part before '@' is looked up
// as a username, and the message is placed in that user's Inbox.
func (b *Backend) Deliver(ctx context.Context, recipient string, msg *rfc5322.Message) error {
	username := localPart(recipient)
	user, ok, err := b.Records.FindUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if !ok {
		return exterrors.New(exterrors.PermanentDelivery, "no such mailbox user: "+username, nil)
	}

	inboxID, ok := user.Mailboxes["Inbox"]
	if !ok {
		return exterrors.New(exterrors.Storage, "user has no Inbox mailbox", nil)
	}

	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	messageID := msg.MessageID()
	if messageID == "" {
		return exterrors.New(exterrors.PermanentDelivery, "message has no Message-Id", nil)
	}

	if err := b.Records.PlaceInMailbox(ctx, inboxID, messageID, string(raw)); err != nil {
		return exterrors.New(exterrors.Storage, "placing message in mailbox", err)
	}
	return nil
}

func localPart(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '@' {
			return addr[:i]
		}
	}
	return addr
}
