package mailbox

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// GenerateMessageID returns a new RFC 5322 message identifier, without angle
// brackets, using the domain of the sender address.
func GenerateMessageID(from string) string {
	domain := "localhost"
	if addr, err := mail.ParseAddress(from); err == nil {
		from = addr.Address
	}
	if idx := strings.LastIndex(from, "@"); idx >= 0 && idx < len(from)-1 {
		domain = from[idx+1:]
	}

	b := make([]byte, 8)
	_, _ = rand.Read(b)

	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}

// BuildEnvelope renders msg as a single-part text/html RFC 822 message with
// the given Message-ID and date. The HTML body falls back to the plain text.
func BuildEnvelope(msg Outgoing, messageID string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.Set("MIME-Version", "1.0")
	setAddressHeader(&h, "To", msg.To)
	h.SetSubject(msg.Subject)
	setAddressHeader(&h, "From", msg.From)
	h.SetDate(date)
	h.SetMessageID(messageID)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("writing envelope header: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body()); err != nil {
		return nil, fmt.Errorf("writing envelope body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing envelope: %w", err)
	}

	return buf.Bytes(), nil
}

// setAddressHeader stores a parsed address list when value parses and the
// raw value otherwise.
func setAddressHeader(h *mail.Header, key, value string) {
	if value == "" {
		return
	}
	addrs, err := mail.ParseAddressList(value)
	if err != nil || len(addrs) == 0 {
		h.Set(key, value)
		return
	}
	h.SetAddressList(key, addrs)
}

// Recipients returns the bare addresses in an address list header value.
func Recipients(value string) ([]string, error) {
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, fmt.Errorf("parsing recipients %q: %w", value, err)
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out, nil
}
