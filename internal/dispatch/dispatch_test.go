package dispatch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"go.klb.dev/clipvm/internal/clip"
	"go.klb.dev/clipvm/internal/message"
	"go.klb.dev/clipvm/internal/metrics"
	"go.klb.dev/clipvm/internal/session"
)

// recorder is a Sender that keeps everything it is given.
type recorder struct {
	mu     sync.Mutex
	msgs   []*message.Message
	reject bool
}

func (r *recorder) Send(m *message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.msgs = append(r.msgs, m)
	return true
}

func (r *recorder) sent() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.Message(nil), r.msgs...)
}

// waitFor polls until at least n messages were sent.
func (r *recorder) waitFor(t *testing.T, n int) []*message.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := r.sent()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", len(got), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func text(s string) message.Content {
	return message.Content{Type: message.PlainText, Data: []byte(s)}
}

func dataMsg(t *testing.T, seq uint32, c message.Content) *message.Message {
	t.Helper()
	m, err := message.NewClipboardData(seq, c)
	if err != nil {
		t.Fatalf("NewClipboardData: %v", err)
	}
	return m
}

func TestPollPushesLocalChange(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out)

	d.Poll()
	if len(out.sent()) != 0 {
		t.Fatal("pushed with no change")
	}

	mem.Set(text("hello"))
	d.Poll()
	d.Poll()

	got := out.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
	if got[0].Type != message.TypeClipboardData || got[0].Seq != 1 {
		t.Fatalf("sent %s seq %d", got[0].Type, got[0].Seq)
	}
	c, err := got[0].Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !c.Equal(text("hello")) {
		t.Errorf("pushed %q", c.Data)
	}
}

func TestStartupContentNotPushed(t *testing.T) {
	mem := clip.NewMemory()
	mem.Set(text("already here"))
	out := &recorder{}
	d := New(mem, out)

	d.Poll()
	if n := len(out.sent()); n != 0 {
		t.Fatalf("startup content pushed (%d messages)", n)
	}
}

func TestAppliedDataIsNotEchoed(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out)

	d.Handle(dataMsg(t, 1, text("from peer")))
	if mem.Writes() != 1 {
		t.Fatalf("writes = %d, want 1", mem.Writes())
	}
	cur, _ := mem.Read()
	if cur == nil || !cur.Equal(text("from peer")) {
		t.Fatalf("clipboard = %+v", cur)
	}

	d.Poll()
	if n := len(out.sent()); n != 0 {
		t.Fatalf("applied content echoed (%d messages)", n)
	}

	// A real local change afterwards still goes out.
	mem.Set(text("typed locally"))
	d.Poll()
	if n := len(out.sent()); n != 1 {
		t.Fatalf("sent %d messages after local change, want 1", n)
	}
}

func TestSameContentNotRewritten(t *testing.T) {
	mem := clip.NewMemory()
	mem.Set(text("same"))
	d := New(mem, &recorder{})

	d.Handle(dataMsg(t, 1, text("same")))
	if mem.Writes() != 0 {
		t.Fatalf("identical content written %d times", mem.Writes())
	}
}

func TestRequestOnConnectRoundTrip(t *testing.T) {
	img := bytes.Repeat([]byte{0x89}, 42)

	hostMem := clip.NewMemory()
	hostMem.Set(message.Content{Type: message.PNG, Data: img})
	hostOut := &recorder{}
	host := New(hostMem, hostOut)

	guestMem := clip.NewMemory()
	guestOut := &recorder{}
	guest := New(guestMem, guestOut, WithRequestOnConnect(true))

	guest.Connected()
	req := guestOut.sent()
	if len(req) != 1 || req[0].Type != message.TypeClipboardRequest || req[0].Seq != 1 {
		t.Fatalf("guest sent %+v, want one CLIPBOARD_REQUEST seq 1", req)
	}

	host.Handle(req[0])
	reply := hostOut.sent()
	if len(reply) != 1 || reply[0].Type != message.TypeClipboardData {
		t.Fatalf("host sent %+v, want one CLIPBOARD_DATA", reply)
	}
	c, err := reply[0].Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if c.Type != message.PNG || len(c.Data) != 42 {
		t.Fatalf("reply carries %s with %d bytes", c.Type, len(c.Data))
	}

	guest.Handle(reply[0])
	got, _ := guestMem.Read()
	if got == nil || got.Type != message.PNG || !bytes.Equal(got.Data, img) {
		t.Fatalf("guest clipboard = %+v", got)
	}

	guest.Poll()
	host.Poll()
	if n := len(guestOut.sent()); n != 1 {
		t.Errorf("guest sent %d messages, want only the request", n)
	}
	if n := len(hostOut.sent()); n != 1 {
		t.Errorf("host sent %d messages, want only the reply", n)
	}
}

func TestConnectedWithoutRequest(t *testing.T) {
	out := &recorder{}
	New(clip.NewMemory(), out).Connected()
	if n := len(out.sent()); n != 0 {
		t.Fatalf("sent %d messages on connect", n)
	}
}

func TestOfflineChangeSentOnConnect(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{reject: true}
	d := New(mem, out, WithRequestOnConnect(true))

	mem.Set(text("copied offline"))
	d.Poll()

	out.mu.Lock()
	out.reject = false
	out.mu.Unlock()

	d.Connected()
	got := out.sent()
	if len(got) != 1 || got[0].Type != message.TypeClipboardData {
		t.Fatalf("sent %+v on connect, want one CLIPBOARD_DATA", got)
	}
	c, err := got[0].Content()
	if err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !c.Equal(text("copied offline")) {
		t.Errorf("pushed %q", c.Data)
	}

	d.Poll()
	d.Connected()
	got = out.sent()
	if len(got) != 2 || got[1].Type != message.TypeClipboardRequest {
		t.Fatalf("second connect sent %+v, want a CLIPBOARD_REQUEST after the data", got)
	}
}

func TestDeliveredChangeNotResentOnConnect(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out)

	mem.Set(text("one"))
	d.Poll()
	d.Connected()
	if n := len(out.sent()); n != 1 {
		t.Fatalf("sent %d messages, want only the poll push", n)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	out := &recorder{}
	d := New(clip.NewMemory(), out)

	d.Handle(message.NewPing(77))
	d.Handle(message.NewPong(message.NewPing(3)))

	got := out.sent()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
	if got[0].Type != message.TypePong || got[0].Seq != 77 {
		t.Fatalf("sent %s seq %d, want PONG seq 77", got[0].Type, got[0].Seq)
	}
}

func TestChangedTriggersRequest(t *testing.T) {
	out := &recorder{}
	d := New(clip.NewMemory(), out)

	d.Handle(message.NewClipboardChanged(4, 12))
	got := out.sent()
	if len(got) != 1 || got[0].Type != message.TypeClipboardRequest {
		t.Fatalf("sent %+v, want one CLIPBOARD_REQUEST", got)
	}
}

func TestEmptyClipboardRequestSendsNothing(t *testing.T) {
	out := &recorder{}
	d := New(clip.NewMemory(), out)
	d.Handle(message.NewRequest(1))
	if n := len(out.sent()); n != 0 {
		t.Fatalf("sent %d messages for an empty clipboard", n)
	}
}

func TestMalformedDataDiscarded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mem := clip.NewMemory()
	d := New(mem, &recorder{}, WithMetrics(m))

	for _, payload := range []string{
		`not json`,
		`{"type":"application/x-unknown","data":"AA==","changeCount":1}`,
		`{"data":"AA==","changeCount":1}`,
	} {
		d.Handle(&message.Message{Type: message.TypeClipboardData, Seq: 1, Payload: []byte(payload)})
	}

	if mem.Writes() != 0 {
		t.Fatalf("malformed data written %d times", mem.Writes())
	}
	if got := testutil.ToFloat64(m.ClipboardOps.WithLabelValues("discarded")); got != 3 {
		t.Errorf("discarded = %v, want 3", got)
	}
}

func TestUnsupportedTypeDiscarded(t *testing.T) {
	mem := clip.NewMemory(message.PlainText)
	out := &recorder{}
	d := New(mem, out)

	d.Handle(dataMsg(t, 1, message.Content{Type: message.TIFF, Data: []byte{1, 2, 3}}))
	if mem.Writes() != 0 {
		t.Fatalf("unsupported content written")
	}
	d.Poll()
	if n := len(out.sent()); n != 0 {
		t.Fatalf("sent %d messages", n)
	}
}

func TestOversizedContentNotSent(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out)

	// Fits the content limit, but base64 pushes the frame past 1 MiB.
	mem.Set(message.Content{Type: message.PlainText, Data: bytes.Repeat([]byte("x"), message.MaxContentSize)})
	d.Poll()
	if n := len(out.sent()); n != 0 {
		t.Fatalf("oversized content sent (%d messages)", n)
	}
}

func TestSeqIncreasesPerMessage(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out, WithRequestOnConnect(true))

	d.Connected()
	mem.Set(text("a"))
	d.Poll()
	d.Handle(message.NewClipboardChanged(9, 1))

	got := out.sent()
	if len(got) != 3 {
		t.Fatalf("sent %d messages, want 3", len(got))
	}
	for i, m := range got {
		if m.Seq != uint32(i+1) {
			t.Errorf("message %d (%s) seq %d, want %d", i, m.Type, m.Seq, i+1)
		}
	}
}

func TestRun(t *testing.T) {
	mem := clip.NewMemory()
	out := &recorder{}
	d := New(mem, out, WithRequestOnConnect(true))

	events := make(chan session.Event)
	poll := make(chan time.Time)
	keepalive := make(chan time.Time)
	done := make(chan error, 1)
	go func() {
		done <- d.Run(context.Background(), events, Ticks{Poll: poll, Keepalive: keepalive})
	}()

	// No peer yet: keepalive is suppressed.
	keepalive <- time.Now()

	events <- session.Event{Kind: session.Connected, Session: "s1"}
	out.waitFor(t, 1)

	events <- session.Event{Kind: session.Received, Session: "s1", Msg: message.NewPing(5)}
	out.waitFor(t, 2)

	keepalive <- time.Now()
	out.waitFor(t, 3)

	mem.Set(text("copied"))
	poll <- time.Now()
	got := out.waitFor(t, 4)

	want := []message.Type{
		message.TypeClipboardRequest,
		message.TypePong,
		message.TypePing,
		message.TypeClipboardData,
	}
	for i, typ := range want {
		if got[i].Type != typ {
			t.Errorf("message %d = %s, want %s", i, got[i].Type, typ)
		}
	}
	if got[1].Seq != 5 {
		t.Errorf("pong seq %d, want 5", got[1].Seq)
	}

	events <- session.Event{Kind: session.Disconnected, Session: "s1"}
	keepalive <- time.Now()
	close(events)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after events closed")
	}
	if n := len(out.sent()); n != 4 {
		t.Errorf("sent %d messages, want 4", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := New(clip.NewMemory(), &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx, nil, Ticks{}); err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
