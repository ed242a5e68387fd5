package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// MaxContentSize bounds the clipboard data carried by one snapshot (1 MiB).
const MaxContentSize = 1 << 20

var (
	ErrUnknownContentType = errors.New("unknown content type")
	ErrContentTooLarge    = errors.New("clipboard content too large")
)

// ContentType is the representation of a clipboard snapshot. The set is
// closed; adding a member is a protocol change.
type ContentType uint8

const (
	PlainText ContentType = iota + 1
	RTF
	PNG
	TIFF
)

var mimeTypes = map[ContentType]string{
	PlainText: "text/plain",
	RTF:       "text/rtf",
	PNG:       "image/png",
	TIFF:      "image/tiff",
}

// ParseContentType maps a MIME type to its ContentType.
func ParseContentType(mime string) (ContentType, error) {
	for t, m := range mimeTypes {
		if m == mime {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownContentType, mime)
}

// MIME returns the wire name of t, or "" for an invalid value.
func (t ContentType) MIME() string { return mimeTypes[t] }

func (t ContentType) String() string {
	if m, ok := mimeTypes[t]; ok {
		return m
	}
	return fmt.Sprintf("ContentType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ContentType) MarshalText() ([]byte, error) {
	m, ok := mimeTypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownContentType, uint8(t))
	}
	return []byte(m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ContentType) UnmarshalText(b []byte) error {
	v, err := ParseContentType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Content is one clipboard snapshot. It is built fresh on every read and
// never mutated afterwards.
type Content struct {
	Type ContentType
	Data []byte
	// ChangeToken is the backend's change counter at read time. It is only
	// meaningful to the side that produced it.
	ChangeToken int64
}

// Equal reports whether a and b hold the same representation and bytes.
// Change tokens are ignored.
func (c Content) Equal(o Content) bool {
	return c.Type == o.Type && bytes.Equal(c.Data, o.Data)
}

// LogContent logs a clipboard event at INFO (type and size) and, for text at
// DEBUG, a preview of up to 120 characters.
func LogContent(log *slog.Logger, event string, c Content) {
	log.Info(event, "type", c.Type.String(), "size_bytes", len(c.Data))

	if c.Type != PlainText || !log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	preview := string(c.Data)
	if utf8.RuneCountInString(preview) > 120 {
		preview = string([]rune(preview)[:120]) + "…"
	}
	log.Debug("clipboard text", "preview", preview)
}
