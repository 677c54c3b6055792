package imapbackend

import (
	"context"
	"time"

	"github.com/emersion/go-imap/backend"
	"github.com/google/uuid"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/scope"
	"github.com/mailboat/mailboat/internal/store"
)

// User implements backend.User over a single UserRecord. token/scope
// are the credential this session authenticated with, needed by
// NewToken's "current identity's token covers act_as_user" check.
type User struct {
	backend *Backend
	record  records.UserRecord
	token   string
	scope   scope.Set
}

// NewToken mints a fresh token for this identity's profile. The current
// identity's own token must cover act_as_user.
// expirationSeconds, if positive, is the token's TTL from now; 0 means
// it never expires.
func (u *User) NewToken(expirationSeconds int64) (string, error) {
	if !u.scope.Contains(scope.ActAsUser) {
		return "", exterrors.New(exterrors.Authorization, "current session token does not authorize minting a new token", nil)
	}
	var expiresAt int64
	if expirationSeconds > 0 {
		expiresAt = time.Now().Unix() + expirationSeconds
	}
	tok := records.NewToken(u.record.ProfileID, records.AppIDPasswordGrant, []string{scope.ActAsUser}, expiresAt)
	stored, err := u.backend.Records.StoreToken(context.Background(), tok)
	if err != nil {
		return "", err
	}
	return stored.Token, nil
}

func (u *User) Username() string { return u.record.Username }

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	ctx := context.Background()
	boxes := make([]backend.Mailbox, 0, len(u.record.Mailboxes))
	for name, id := range u.record.Mailboxes {
		sv, ok, err := u.backend.Records.Mailboxs.FindOne(ctx, store.Doc{"identity": id})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		boxes = append(boxes, &Mailbox{backend: u.backend, user: u, name: name, id: id, record: sv.Value})
	}
	return boxes, nil
}

func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	ctx := context.Background()
	id, ok := u.record.Mailboxes[name]
	if !ok {
		return nil, backend.ErrNoSuchMailbox
	}
	sv, found, err := u.backend.Records.Mailboxs.FindOne(ctx, store.Doc{"identity": id})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, backend.ErrNoSuchMailbox
	}
	return &Mailbox{backend: u.backend, user: u, name: name, id: id, record: sv.Value}, nil
}

// CreateMailbox adds a new, empty mailbox to this user's set. The
// default set is provisioned at registration; this extends it.
func (u *User) CreateMailbox(name string) error {
	ctx := context.Background()
	if _, ok := u.record.Mailboxes[name]; ok {
		return backend.ErrMailboxAlreadyExists
	}
	mb := records.MailBoxRecord{
		Identity:       uuid.NewString(),
		PermanentFlags: []string{`\Deleted`, `\Seen`, `\Answered`, `\Flagged`, `\Draft`},
		SessionFlags:   []string{`\Recent`},
	}
	if _, err := u.backend.Records.Mailboxs.Store(ctx, mb); err != nil {
		return err
	}
	u.record.Mailboxes[name] = mb.Identity
	_, _, err := u.backend.Records.Users.UpdateOne(ctx, store.Doc{"username": u.record.Username}, u.record)
	return err
}

// DeleteMailbox removes a mailbox and every MailRecord row placing a
// message into it, dereferencing each message as it goes (the same
// DeleteID+DerefMail pairing Mailbox.Expunge uses) so a message with no
// remaining placement is garbage-collected, not leaked.
func (u *User) DeleteMailbox(name string) error {
	ctx := context.Background()
	id, ok := u.record.Mailboxes[name]
	if !ok {
		return backend.ErrNoSuchMailbox
	}

	ch, err := u.backend.Records.MailRecs.Find(ctx, store.Doc{"mailbox_id": id})
	if err != nil {
		return err
	}
	for sv := range ch {
		if _, err := u.backend.Records.MailRecs.DeleteID(ctx, sv.ID); err != nil {
			return err
		}
		if err := u.backend.Records.DerefMail(ctx, sv.Value.MessageID); err != nil {
			return err
		}
	}

	if _, err := u.backend.Records.Mailboxs.RemoveOne(ctx, store.Doc{"identity": id}); err != nil {
		return err
	}
	delete(u.record.Mailboxes, name)
	_, _, err = u.backend.Records.Users.UpdateOne(ctx, store.Doc{"username": u.record.Username}, u.record)
	return err
}

func (u *User) RenameMailbox(existingName, newName string) error {
	id, ok := u.record.Mailboxes[existingName]
	if !ok {
		return backend.ErrNoSuchMailbox
	}
	if _, exists := u.record.Mailboxes[newName]; exists {
		return backend.ErrMailboxAlreadyExists
	}
	delete(u.record.Mailboxes, existingName)
	u.record.Mailboxes[newName] = id
	ctx := context.Background()
	_, _, err := u.backend.Records.Users.UpdateOne(ctx, store.Doc{"username": u.record.Username}, u.record)
	return err
}

func (u *User) Logout() error { return nil }

var _ backend.User = (*User)(nil)
