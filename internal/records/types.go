// Package records defines the persistent entities backing the Record
// Store: users, profiles, mailboxes, the mailbox/message index, raw
// message blobs, and auth tokens. Hub wires each to a store.Collection
// and implements the invariants that span more than one record (mailbox
// provisioning at registration, MailStoreRecord ref-counting, token
// availability).
package records

// DefaultMailboxes is the set of mailboxes every user gets at
// registration.
var DefaultMailboxes = []string{"Inbox", "Drafts", "Sent", "Archives", "Junk", "Deleted"}

// UserRecord is a registered account. Username and ProfileID are
// immutable after creation.
type UserRecord struct {
	Username        string            `mailboat:"username"`
	Nickname        string            `mailboat:"nickname"`
	PasswordB64Hash string            `mailboat:"password_b64hash"`
	ProfileID       string            `mailboat:"profileid"`
	Mailboxes       map[string]string `mailboat:"mailboxes"` // name -> mailbox id
	EmailAddress    string            `mailboat:"email_address"`
}

// ProfileRecord exists 1:1 with a UserRecord. Identity is immutable.
type ProfileRecord struct {
	Identity    string `mailboat:"identity"`
	MemberNo    string `mailboat:"member_no"`
	Name        string `mailboat:"name"`
	Age         int    `mailboat:"age"`
	PhysicalSex string `mailboat:"physical_sex"`
}

// MailBoxRecord is one mailbox (IMAP folder) belonging to a user.
type MailBoxRecord struct {
	Identity       string   `mailboat:"identity"`
	Readonly       bool     `mailboat:"readonly"`
	PermanentFlags []string `mailboat:"permanent_flags"`
	SessionFlags   []string `mailboat:"session_flags"`
}

// MailRecord is an index row placing one stored message into one
// mailbox. Many mailboxes may reference the same message.
type MailRecord struct {
	MailboxID string   `mailboat:"mailbox_id"`
	MessageID string   `mailboat:"message_id"`
	Flags     []string `mailboat:"flags"`
}

// MailStoreRecord is the content-addressed raw message blob, keyed by
// its RFC 5322 Message-Id header. RefCount must always equal the number
// of MailRecord rows referencing it (queue entries keep their own raw
// copy and are not counted); it is maintained exclusively through
// RefMail/DerefMail.
type MailStoreRecord struct {
	MessageID string `mailboat:"message_id"`
	RawMail   string `mailboat:"raw_mail"`
	RefCount  int    `mailboat:"ref_count"`
}

// TokenRecord is an issued credential scoped to a set of permissions.
// Expiration is unix seconds, or 0 meaning "never expires".
type TokenRecord struct {
	Token      string   `mailboat:"token"`
	ProfileID  string   `mailboat:"profileid"`
	AppID      string   `mailboat:"appid"`
	AppRev     string   `mailboat:"apprev"`
	Scope      []string `mailboat:"scope"`
	Expiration int64    `mailboat:"expiration"` // 0 == unset
}

// IsAvailable reports whether the token is usable at time now (unix
// seconds): unset expiration, or an expiration strictly in the future.
func (t TokenRecord) IsAvailable(nowUnix int64) bool {
	return t.Expiration == 0 || t.Expiration > nowUnix
}

// AppIDPasswordGrant is the sentinel appid used for tokens minted from a
// native username/password login rather than an OAuth-style client.
const AppIDPasswordGrant = "-1"
