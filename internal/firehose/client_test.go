package firehose

import "testing"

func TestParseCursor(t *testing.T) {
	seq, err := parseCursor("12345")
	if err != nil {
		t.Fatalf("parseCursor: %v", err)
	}
	if seq != 12345 {
		t.Errorf("seq = %d, want 12345", seq)
	}
}

func TestParseCursorInvalid(t *testing.T) {
	if _, err := parseCursor("not-a-number"); err == nil {
		t.Error("expected an error for a non-numeric cursor")
	}
}

func TestBuildURLNoCursor(t *testing.T) {
	c := &Client{cfg: Config{RelayURL: "wss://bsky.network"}}
	got, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	want := "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
}

func TestBuildURLWithCursor(t *testing.T) {
	c := &Client{cfg: Config{RelayURL: "wss://bsky.network"}}
	c.cursor.Store(42)
	got, err := c.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	want := "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos?cursor=42"
	if got != want {
		t.Errorf("buildURL() = %q, want %q", got, want)
	}
}

func TestAccessorsDefaultToZero(t *testing.T) {
	c := New(DefaultConfig(), nil, nil, nil)
	if c.IsConnected() {
		t.Error("a freshly built client should not report connected")
	}
	if c.EventsReceived() != 0 {
		t.Error("a freshly built client should report zero events received")
	}
	if c.Cursor() != 0 {
		t.Error("a freshly built client should report a zero cursor")
	}
}
