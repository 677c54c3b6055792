package records

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/store"
)

// Hub owns every named collection the Glue layer's storage hub exposes
// for users, profiles, mailboxes, the mail index and raw mail blobs, and
// tokens.
type Hub struct {
	Users    store.Collection[UserRecord]
	Profiles store.Collection[ProfileRecord]
	Mailboxs store.Collection[MailBoxRecord]
	MailRecs store.Collection[MailRecord]
	Mails    store.Collection[MailStoreRecord]
	Tokens   store.Collection[TokenRecord]
}

// NewHub opens (and creates, if missing) every collection on the given
// storage Hub.
func NewHub(ctx context.Context, db *store.Hub) (*Hub, error) {
	users, err := store.OpenCollection[UserRecord](ctx, db, "users", store.NewReflectAdapter[UserRecord]())
	if err != nil {
		return nil, err
	}
	profiles, err := store.OpenCollection[ProfileRecord](ctx, db, "profiles", store.NewReflectAdapter[ProfileRecord]())
	if err != nil {
		return nil, err
	}
	mailboxs, err := store.OpenCollection[MailBoxRecord](ctx, db, "mailboxs", store.NewReflectAdapter[MailBoxRecord]())
	if err != nil {
		return nil, err
	}
	mailRecs, err := store.OpenCollection[MailRecord](ctx, db, "mail_records", store.NewReflectAdapter[MailRecord]())
	if err != nil {
		return nil, err
	}
	mails, err := store.OpenCollection[MailStoreRecord](ctx, db, "mails", store.NewReflectAdapter[MailStoreRecord]())
	if err != nil {
		return nil, err
	}
	tokens, err := store.OpenCollection[TokenRecord](ctx, db, "tokens", store.NewReflectAdapter[TokenRecord]())
	if err != nil {
		return nil, err
	}
	return &Hub{
		Users:    users,
		Profiles: profiles,
		Mailboxs: mailboxs,
		MailRecs: mailRecs,
		Mails:    mails,
		Tokens:   tokens,
	}, nil
}

// Register creates a new UserRecord with a fresh ProfileRecord and the
// default mailbox set.
func (h *Hub) Register(ctx context.Context, username, nickname, passwordHash, email string) (UserRecord, error) {
	if existing, ok, err := h.Users.FindOne(ctx, store.Doc{"username": username}); err != nil {
		return UserRecord{}, err
	} else if ok {
		return existing.Value, exterrors.New(exterrors.ClientProtocol, "username already registered", nil)
	}

	profile := ProfileRecord{Identity: uuid.NewString()}
	if _, err := h.Profiles.Store(ctx, profile); err != nil {
		return UserRecord{}, err
	}

	mailboxes := make(map[string]string, len(DefaultMailboxes))
	for _, name := range DefaultMailboxes {
		mb := MailBoxRecord{
			Identity:       uuid.NewString(),
			PermanentFlags: []string{`\Deleted`, `\Seen`, `\Answered`, `\Flagged`, `\Draft`},
			SessionFlags:   []string{`\Recent`},
		}
		if _, err := h.Mailboxs.Store(ctx, mb); err != nil {
			return UserRecord{}, err
		}
		mailboxes[name] = mb.Identity
	}

	user := UserRecord{
		Username:        username,
		Nickname:        nickname,
		PasswordB64Hash: passwordHash,
		ProfileID:       profile.Identity,
		Mailboxes:       mailboxes,
		EmailAddress:    email,
	}
	if _, err := h.Users.Store(ctx, user); err != nil {
		return UserRecord{}, err
	}
	return user, nil
}

// RefMail stores (if new) or increments the reference count of the
// message identified by messageID, and returns the up-to-date record.
// Called once per MailRecord placement. Queue entries hold their own
// copy of the raw message and take no reference.
func (h *Hub) RefMail(ctx context.Context, messageID, rawMail string) (MailStoreRecord, error) {
	existing, ok, err := h.Mails.FindOne(ctx, store.Doc{"message_id": messageID})
	if err != nil {
		return MailStoreRecord{}, err
	}
	if !ok {
		rec := MailStoreRecord{MessageID: messageID, RawMail: rawMail, RefCount: 1}
		if _, err := h.Mails.Store(ctx, rec); err != nil {
			return MailStoreRecord{}, err
		}
		return rec, nil
	}
	rec := existing.Value
	rec.RefCount++
	if _, _, err := h.Mails.UpdateOne(ctx, store.Doc{"message_id": messageID}, rec); err != nil {
		return MailStoreRecord{}, err
	}
	return rec, nil
}

// DerefMail decrements the reference count of messageID and deletes the
// MailStoreRecord once it reaches zero.
func (h *Hub) DerefMail(ctx context.Context, messageID string) error {
	existing, ok, err := h.Mails.FindOne(ctx, store.Doc{"message_id": messageID})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec := existing.Value
	rec.RefCount--
	if rec.RefCount <= 0 {
		_, err := h.Mails.RemoveOne(ctx, store.Doc{"message_id": messageID})
		return err
	}
	_, _, err = h.Mails.UpdateOne(ctx, store.Doc{"message_id": messageID}, rec)
	return err
}

// PlaceInMailbox adds a MailRecord index row placing messageID into
// mailboxID and refs the underlying message. A freshly delivered
// message always starts with \Recent.
func (h *Hub) PlaceInMailbox(ctx context.Context, mailboxID, messageID, rawMail string) error {
	if _, err := h.RefMail(ctx, messageID, rawMail); err != nil {
		return err
	}
	_, err := h.MailRecs.Store(ctx, MailRecord{MailboxID: mailboxID, MessageID: messageID, Flags: []string{`\Recent`}})
	return err
}

// NewToken mints a fresh TokenRecord for profileID with the given appid
// and scope, expiring at the unix time expiresAt (0 == never). An empty
// scope defaults to [act_as_user].
func NewToken(profileID, appID string, scope []string, expiresAt int64) TokenRecord {
	if len(scope) == 0 {
		scope = []string{"act_as_user"}
	}
	return TokenRecord{
		Token:      uuid.NewString(),
		ProfileID:  profileID,
		AppID:      appID,
		Scope:      scope,
		Expiration: expiresAt,
	}
}

// FindUserByUsername fetches a UserRecord by username.
func (h *Hub) FindUserByUsername(ctx context.Context, username string) (UserRecord, bool, error) {
	sv, ok, err := h.Users.FindOne(ctx, store.Doc{"username": username})
	return sv.Value, ok, err
}

// FindUserByProfileID fetches a UserRecord by its profile id.
func (h *Hub) FindUserByProfileID(ctx context.Context, profileID string) (UserRecord, bool, error) {
	sv, ok, err := h.Users.FindOne(ctx, store.Doc{"profileid": profileID})
	return sv.Value, ok, err
}

// FindToken fetches a TokenRecord by its token string.
func (h *Hub) FindToken(ctx context.Context, token string) (TokenRecord, bool, error) {
	sv, ok, err := h.Tokens.FindOne(ctx, store.Doc{"token": token})
	return sv.Value, ok, err
}

// StoreToken persists a freshly minted token.
func (h *Hub) StoreToken(ctx context.Context, t TokenRecord) (TokenRecord, error) {
	sv, err := h.Tokens.Store(ctx, t)
	return sv.Value, err
}

// String helps tests/log messages refer to a record without reaching
// into its fields.
func (u UserRecord) String() string {
	return fmt.Sprintf("user(%s)", u.Username)
}
