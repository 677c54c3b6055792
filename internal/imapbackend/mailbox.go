package imapbackend

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/google/uuid"

	"github.com/mailboat/mailboat/internal/records"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/store"
)

// parseMessageID extracts the Message-Id header from a raw APPEND
// payload, synthesising one if the client omitted it so every stored
// message stays addressable by the ref-counted store.
func parseMessageID(raw []byte) (string, error) {
	msg, err := rfc5322.Parse(raw)
	if err != nil {
		return "", err
	}
	if id := msg.MessageID(); id != "" {
		return id, nil
	}
	return "<" + uuid.NewString() + "@mailboat.local>", nil
}

// Mailbox implements backend.Mailbox over the MailRecord index rows
// placing messages into one MailBoxRecord. The engine-assigned
// MailRecord row id doubles as the IMAP UID (monotonically increasing,
// stable for the lifetime of the record, per RFC 3501 §2.3.1.1).
type Mailbox struct {
	backend *Backend
	user    *User
	name    string
	id      string
	record  records.MailBoxRecord
}

func (m *Mailbox) Name() string { return m.name }

func (m *Mailbox) Info() (*imap.MailboxInfo, error) {
	return &imap.MailboxInfo{Delimiter: "/", Name: m.name}, nil
}

// entry pairs a MailRecord's stored row with its parsed message.
type entry struct {
	uid  uint32
	rec  store.Stored[records.MailRecord]
	mail records.MailStoreRecord
	have bool
}

func (m *Mailbox) listEntries(ctx context.Context) ([]entry, error) {
	ch, err := m.backend.Records.MailRecs.Find(ctx, store.Doc{"mailbox_id": m.id})
	if err != nil {
		return nil, err
	}
	var rows []store.Stored[records.MailRecord]
	for sv := range ch {
		rows = append(rows, sv)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })

	entries := make([]entry, 0, len(rows))
	for _, row := range rows {
		ms, ok, err := m.backend.Records.Mails.FindOne(ctx, store.Doc{"message_id": row.Value.MessageID})
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{uid: uint32(row.ID), rec: row, mail: ms.Value, have: ok})
	}
	return entries, nil
}

func (m *Mailbox) Status(items []imap.StatusItem) (*imap.MailboxStatus, error) {
	entries, err := m.listEntries(context.Background())
	if err != nil {
		return nil, err
	}
	status := imap.NewMailboxStatus(m.name, items)
	status.Flags = m.record.PermanentFlags
	status.PermanentFlags = m.record.PermanentFlags
	status.Messages = uint32(len(entries))

	var recent, unseen uint32
	var uidNext uint32 = 1
	for _, e := range entries {
		if hasFlag(e.rec.Value.Flags, `\Recent`) {
			recent++
		}
		if !hasFlag(e.rec.Value.Flags, `\Seen`) {
			unseen++
		}
		if e.uid >= uidNext {
			uidNext = e.uid + 1
		}
	}
	for _, item := range items {
		switch item {
		case imap.StatusRecent:
			status.Recent = recent
		case imap.StatusUnseen:
			status.Unseen = unseen
		case imap.StatusUidNext:
			status.UidNext = uidNext
		case imap.StatusUidValidity:
			status.UidValidity = 1
		}
	}
	return status, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func (m *Mailbox) SetSubscribed(subscribed bool) error { return nil }

func (m *Mailbox) Check() error { return nil }

func (m *Mailbox) ListMessages(uid bool, seqSet *imap.SeqSet, items []imap.FetchItem, ch chan<- *imap.Message) error {
	defer close(ch)
	entries, err := m.listEntries(context.Background())
	if err != nil {
		return err
	}
	for i, e := range entries {
		seqNum := uint32(i + 1)
		match := e.uid
		if !uid {
			match = seqNum
		}
		if !seqSet.Contains(match) {
			continue
		}
		msg, err := m.buildMessage(seqNum, e, items)
		if err != nil {
			return err
		}
		ch <- msg
	}
	return nil
}

func (m *Mailbox) buildMessage(seqNum uint32, e entry, items []imap.FetchItem) (*imap.Message, error) {
	msg := imap.NewMessage(seqNum, items)
	for _, item := range items {
		switch item {
		case imap.FetchUid:
			msg.Uid = e.uid
		case imap.FetchFlags:
			msg.Flags = e.rec.Value.Flags
		case imap.FetchRFC822Size:
			msg.Size = uint32(len(e.mail.RawMail))
		case imap.FetchInternalDate:
			msg.InternalDate = time.Unix(0, 0)
		default:
			if sec, ok := parseBodySection(item); ok {
				if msg.Body == nil {
					msg.Body = make(map[*imap.BodySectionName]imap.Literal)
				}
				msg.Body[sec] = bytes.NewBufferString(e.mail.RawMail)
			}
		}
	}
	return msg, nil
}

func parseBodySection(item imap.FetchItem) (*imap.BodySectionName, bool) {
	sec, err := imap.ParseBodySectionName(item)
	if err != nil {
		return nil, false
	}
	return sec, true
}

func (m *Mailbox) SearchMessages(uid bool, criteria *imap.SearchCriteria) ([]uint32, error) {
	entries, err := m.listEntries(context.Background())
	if err != nil {
		return nil, err
	}
	var results []uint32
	for i, e := range entries {
		seqNum := uint32(i + 1)
		if criteria.SeqNum != nil && !criteria.SeqNum.Contains(seqNum) {
			continue
		}
		if criteria.Uid != nil && !criteria.Uid.Contains(e.uid) {
			continue
		}
		if !matchesCriteria(e, criteria) {
			continue
		}
		if uid {
			results = append(results, e.uid)
		} else {
			results = append(results, seqNum)
		}
	}
	return results, nil
}

// matchesCriteria checks the header/flag terms of a SEARCH command that
// SearchMessages' sequence/UID filtering above doesn't cover: header-field
// substring matches (FROM/TO/SUBJECT/…) and WITH/WITHOUT flag terms.
// Text/body, date-range and Not/Or terms are not handled and match
// everything.
func matchesCriteria(e entry, criteria *imap.SearchCriteria) bool {
	if len(criteria.WithFlags) > 0 || len(criteria.WithoutFlags) > 0 {
		for _, f := range criteria.WithFlags {
			if !hasFlag(e.rec.Value.Flags, f) {
				return false
			}
		}
		for _, f := range criteria.WithoutFlags {
			if hasFlag(e.rec.Value.Flags, f) {
				return false
			}
		}
	}
	if len(criteria.Header) == 0 {
		return true
	}
	msg, err := rfc5322.Parse([]byte(e.mail.RawMail))
	if err != nil {
		return false
	}
	for field, wants := range criteria.Header {
		got := msg.Header.Get(field)
		for _, want := range wants {
			if want == "" {
				continue
			}
			if !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
				return false
			}
		}
	}
	return true
}

// CreateMessage appends a new message directly into this mailbox (the
// IMAP APPEND command), independent of Transfer Agent delivery.
func (m *Mailbox) CreateMessage(flags []string, date time.Time, body imap.Literal) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(body); err != nil {
		return err
	}
	raw := buf.Bytes()

	ctx := context.Background()
	parsed, err := parseMessageID(raw)
	if err != nil {
		return err
	}

	if _, err := m.backend.Records.RefMail(ctx, parsed, string(raw)); err != nil {
		return err
	}
	_, err = m.backend.Records.MailRecs.Store(ctx, records.MailRecord{
		MailboxID: m.id,
		MessageID: parsed,
		Flags:     flags,
	})
	return err
}

func (m *Mailbox) UpdateMessagesFlags(uid bool, seqSet *imap.SeqSet, operation imap.FlagsOp, flags []string) error {
	ctx := context.Background()
	entries, err := m.listEntries(ctx)
	if err != nil {
		return err
	}
	for i, e := range entries {
		seqNum := uint32(i + 1)
		match := e.uid
		if !uid {
			match = seqNum
		}
		if !seqSet.Contains(match) {
			continue
		}
		newFlags := applyFlagsOp(e.rec.Value.Flags, operation, flags)
		rec := e.rec.Value
		rec.Flags = newFlags
		// UpdateOne preserves the engine-assigned row id, which doubles
		// as the IMAP UID — it must never change across a flag update.
		if _, _, err := m.backend.Records.MailRecs.UpdateOne(ctx, store.Doc{"mailbox_id": m.id, "message_id": e.rec.Value.MessageID}, rec); err != nil {
			return err
		}
	}
	return nil
}

func applyFlagsOp(current []string, op imap.FlagsOp, flags []string) []string {
	switch op {
	case imap.SetFlags:
		return append([]string(nil), flags...)
	case imap.AddFlags:
		out := append([]string(nil), current...)
		for _, f := range flags {
			if !hasFlag(out, f) {
				out = append(out, f)
			}
		}
		return out
	case imap.RemoveFlags:
		out := make([]string, 0, len(current))
		for _, f := range current {
			if !hasFlag(flags, f) {
				out = append(out, f)
			}
		}
		return out
	default:
		return current
	}
}

func (m *Mailbox) CopyMessages(uid bool, seqSet *imap.SeqSet, destName string) error {
	ctx := context.Background()
	destID, ok := m.user.record.Mailboxes[destName]
	if !ok {
		return backend.ErrNoSuchMailbox
	}
	entries, err := m.listEntries(ctx)
	if err != nil {
		return err
	}
	for i, e := range entries {
		seqNum := uint32(i + 1)
		match := e.uid
		if !uid {
			match = seqNum
		}
		if !seqSet.Contains(match) {
			continue
		}
		if err := m.backend.Records.PlaceInMailbox(ctx, destID, e.rec.Value.MessageID, e.mail.RawMail); err != nil {
			return err
		}
	}
	return nil
}

// Expunge permanently removes every message flagged \Deleted.
func (m *Mailbox) Expunge() error {
	ctx := context.Background()
	entries, err := m.listEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !hasFlag(e.rec.Value.Flags, `\Deleted`) {
			continue
		}
		if _, err := m.backend.Records.MailRecs.DeleteID(ctx, e.rec.ID); err != nil {
			return err
		}
		if err := m.backend.Records.DerefMail(ctx, e.rec.Value.MessageID); err != nil {
			return err
		}
	}
	return nil
}

var _ backend.Mailbox = (*Mailbox)(nil)
