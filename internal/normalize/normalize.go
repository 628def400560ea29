// Package normalize turns raw RFC 822 messages into canonical drafts ready
// to be stored.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	// UnknownAddress stands in for a missing sender or recipient.
	UnknownAddress = "Unknown"

	// DefaultSubject stands in for a missing subject.
	DefaultSubject = "No Subject"

	fingerprintPrefix = "sha256:"
)

// Draft is a normalized message that is not yet bound to an owner or
// store identity.
type Draft struct {
	Sender    string
	Recipient string
	Subject   string
	PlainBody string

	// HTMLBody is empty when the message has no text/html part.
	HTMLBody string

	HasAttachments bool
	ReceivedAt     time.Time

	// Undated is set when ReceivedAt is the fallback time rather than the
	// Date header.
	Undated bool

	// MessageID is the RFC 822 Message-ID without angle brackets, empty
	// when the header is absent.
	MessageID string
}

// Parse normalizes raw. now is used when the Date header is missing or
// malformed. Only an unreadable top-level header is an error; body
// irregularities yield whatever content could be recovered.
func Parse(raw []byte, now time.Time) (*Draft, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) && !gomessage.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parsing message header: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	d := &Draft{
		Sender:    addressField(h, "From"),
		Recipient: addressField(h, "To"),
		Subject:   subjectField(h),
		MessageID: messageIDField(h),
	}
	d.ReceivedAt, d.Undated = dateField(h, now)

	walkEntity(d, entity)
	return d, nil
}

// Fingerprint returns a content hash identifying d when it has no
// Message-ID. Identical content always yields the same value. The receive
// time takes part only when it came from the Date header.
func Fingerprint(d *Draft) string {
	var date string
	if !d.Undated {
		date = strconv.FormatInt(d.ReceivedAt.Unix(), 10)
	}

	sum := sha256.New()
	for _, field := range []string{
		d.Sender,
		d.Recipient,
		d.Subject,
		date,
		d.PlainBody,
		d.HTMLBody,
	} {
		io.WriteString(sum, field)
		sum.Write([]byte{0})
	}
	return fingerprintPrefix + hex.EncodeToString(sum.Sum(nil))
}

// IsFingerprint reports whether identity was produced by Fingerprint.
func IsFingerprint(identity string) bool {
	return strings.HasPrefix(identity, fingerprintPrefix)
}

func addressField(h mail.Header, key string) string {
	if addrs, err := h.AddressList(key); err == nil && len(addrs) > 0 {
		parts := make([]string, 0, len(addrs))
		for _, a := range addrs {
			parts = append(parts, formatAddress(a))
		}
		return strings.Join(parts, ", ")
	}

	// Unparseable lists fall back to the decoded header text.
	raw, err := h.Text(key)
	if err != nil {
		raw = h.Get(key)
	}
	if raw = strings.TrimSpace(raw); raw != "" {
		return raw
	}
	return UnknownAddress
}

func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

func subjectField(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	if subject = strings.TrimSpace(subject); subject != "" {
		return subject
	}
	return DefaultSubject
}

func dateField(h mail.Header, now time.Time) (time.Time, bool) {
	date, err := h.Date()
	if err != nil || date.IsZero() {
		return now, true
	}
	return date, false
}

func messageIDField(h mail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	return strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
}

// walkEntity fills the body fields of d from entity, recursing into
// nested multiparts. The first text/plain and text/html leaves win.
func walkEntity(d *Draft, entity *gomessage.Entity) {
	mr := entity.MultipartReader()
	if mr == nil {
		readLeaf(d, entity)
		return
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}
		walkEntity(d, part)
	}
}

// readLeaf classifies one non-multipart entity. Parts with an attachment
// disposition and non-text parts count as attachments.
func readLeaf(d *Draft, entity *gomessage.Entity) {
	ct, _, _ := entity.Header.ContentType()
	disp, _, _ := entity.Header.ContentDisposition()
	if ct == "" {
		ct = "text/plain"
	}

	if disp == "attachment" {
		d.HasAttachments = true
		return
	}

	switch {
	case ct == "text/plain":
		if d.PlainBody == "" {
			d.PlainBody = readBody(entity)
		}
	case ct == "text/html":
		if d.HTMLBody == "" {
			d.HTMLBody = readBody(entity)
		}
	case strings.HasPrefix(ct, "text/"):
		// Other inline text such as text/calendar is neither body nor
		// attachment.
	default:
		d.HasAttachments = true
	}
}

func readBody(entity *gomessage.Entity) string {
	body, _ := io.ReadAll(entity.Body)
	return string(body)
}
