//go:build darwin || linux || windows

package clip

import (
	"fmt"

	"golang.design/x/clipboard"

	"go.klb.dev/clipvm/internal/message"
)

// nativeBackend reads and writes through golang.design/x/clipboard, which
// exposes UTF-8 text and PNG images. The change counter is platform specific.
type nativeBackend struct {
	name    string
	counter func() int64
}

func (b *nativeBackend) Name() string       { return b.name }
func (b *nativeBackend) ChangeToken() int64 { return b.counter() }
func (b *nativeBackend) Close()             {}

func (b *nativeBackend) Read() (*message.Content, error) {
	c := readNative()
	if c == nil {
		return nil, nil
	}
	c.ChangeToken = b.counter()
	return c, nil
}

func (b *nativeBackend) Write(c message.Content) error {
	switch c.Type {
	case message.PlainText:
		clipboard.Write(clipboard.FmtText, c.Data)
	case message.PNG:
		clipboard.Write(clipboard.FmtImage, c.Data)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, c.Type)
	}
	return nil
}

// readNative returns the image if one is present, otherwise the text.
func readNative() *message.Content {
	if img := clipboard.Read(clipboard.FmtImage); len(img) > 0 {
		return &message.Content{Type: message.PNG, Data: img}
	}
	if text := clipboard.Read(clipboard.FmtText); len(text) > 0 {
		return &message.Content{Type: message.PlainText, Data: text}
	}
	return nil
}
