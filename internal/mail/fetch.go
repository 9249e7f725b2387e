package mail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

const (
	defaultSubject = "No Subject"
	defaultSender  = "Unknown Sender"
)

// FetchError is returned when an item cannot be retrieved or normalized.
// It is never fatal to a monitor loop.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher retrieves raw messages and normalizes them into Items.
type Fetcher struct {
	Provider Provider
}

// Fetch retrieves id and normalizes it.
func (f *Fetcher) Fetch(ctx context.Context, id string) (*Item, error) {
	raw, err := f.Provider.Get(ctx, id)
	if err != nil {
		return nil, &FetchError{ID: id, Err: err}
	}
	item, err := Normalize(raw)
	if err != nil {
		return nil, &FetchError{ID: id, Err: err}
	}
	return item, nil
}

// Normalize flattens a raw message into an Item.
func Normalize(raw *RawMessage) (*Item, error) {
	if raw == nil {
		return nil, fmt.Errorf("empty message")
	}

	body, err := Body(raw.Payload)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:         raw.ID,
		ReceivedAt: raw.ReceivedAt,
		Subject:    header(raw.Headers, "Subject", defaultSubject),
		Sender:     header(raw.Headers, "From", defaultSender),
		Body:       body,
		Labels:     raw.Labels,
	}
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = ParseDate(header(raw.Headers, "Date", ""))
	}
	return item, nil
}

// Body returns the message text. A payload with child parts contributes
// every text/plain leaf in traversal order; other leaves are ignored. A
// payload without children is decoded directly whatever its type.
func Body(root Part) (string, error) {
	if len(root.Parts) == 0 {
		return decodeData(root)
	}
	var sb strings.Builder
	if err := collectText(root.Parts, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func collectText(parts []Part, sb *strings.Builder) error {
	for _, p := range parts {
		switch {
		case isPlainText(p.MimeType):
			if p.Data == "" {
				continue
			}
			text, err := decodeData(p)
			if err != nil {
				return err
			}
			sb.WriteString(text)
		case len(p.Parts) > 0:
			if err := collectText(p.Parts, sb); err != nil {
				return err
			}
		}
	}
	return nil
}

func isPlainText(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "text/plain"
}

// decodeData accepts padded and unpadded base64url, both of which show up
// in Gmail payloads.
func decodeData(p Part) (string, error) {
	if p.Decoded || p.Data == "" {
		return p.Data, nil
	}
	data, err := base64.URLEncoding.DecodeString(p.Data)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Data, "="))
		if err != nil {
			return "", fmt.Errorf("decode %s body: %w", p.MimeType, err)
		}
	}
	return string(data), nil
}

// ParseDate parses an RFC 5322 Date header into UTC. Unparseable values
// yield the zero time.
func ParseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	t, err := mail.ParseDate(value)
	if err != nil {
		// Strip a trailing "(UTC)" style comment the parser rejects on
		// some inputs.
		if open := strings.LastIndex(value, " ("); open != -1 && strings.HasSuffix(value, ")") {
			t, err = mail.ParseDate(strings.TrimSpace(value[:open]))
		}
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func header(headers map[string]string, name, def string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return def
}
