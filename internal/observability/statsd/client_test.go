package statsd

import (
	"net"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestCleanPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"  scrapehub  ": "scrapehub",
		"..scrapehub..": "scrapehub",
		".":             "",
		"":              "",
	}

	for input, want := range tests {
		if got := cleanPrefix(input); got != want {
			t.Fatalf("cleanPrefix(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCleanName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		" relay/delivery ":     "relay_delivery",
		"admission..request":   "admission.request",
		"two  spaces":          "two__spaces",
		"queue/shop.example/1": "queue_shop.example_1",
		".sweep.run.":          "sweep.run",
		"...":                  "",
	}

	for input, want := range tests {
		if got := cleanName(input); got != want {
			t.Fatalf("cleanName(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestEncodeTags(t *testing.T) {
	t.Parallel()

	base := map[string]string{
		"env": "prod",
		// Padded key and value exercise the trimming path.
		" domain ": " shop.example ",
	}
	local := map[string]string{
		"result": " accepted ",
		"":       "dropped",
		"env":    "stage",
	}

	got := encodeTags(base, local)
	want := "|#domain:shop.example,env:stage,result:accepted"

	if got != want {
		t.Fatalf("encodeTags mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestEncodeTagsEmpty(t *testing.T) {
	t.Parallel()

	if got := encodeTags(nil, nil); got != "" {
		t.Fatalf("encodeTags(nil, nil) = %q, want empty string", got)
	}
}

func TestCloneTagsReturnsCopy(t *testing.T) {
	t.Parallel()

	original := map[string]string{
		"env": "prod",
		"":    "dropped",
	}

	cloned := cloneTags(original)
	if cloned == nil {
		t.Fatal("cloneTags returned nil map")
	}

	cloned["env"] = "stage"
	if original["env"] != "prod" {
		t.Fatal("cloneTags did not copy values")
	}

	if _, ok := cloned[""]; ok {
		t.Fatal("cloneTags kept empty key")
	}
}

func TestClientEmitsTaggedLines(t *testing.T) {
	t.Parallel()

	receiver, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer receiver.Close()

	client, err := NewClient(Config{
		Enabled:    true,
		Address:    receiver.LocalAddr().String(),
		Prefix:     "scrapehub",
		GlobalTags: map[string]string{"env": "test"},
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}
	defer client.Close()

	client.Count("admission.request", 1, map[string]string{"result": "accepted"})
	client.Timing("relay.delivery_duration", 250*time.Millisecond, nil)
	client.Gauge("sweep.last_success_epoch", 1700000000, nil)

	lines := readLines(t, receiver, 3)
	for _, want := range []string{
		"scrapehub.admission.request:1|c|#env:test,result:accepted",
		"scrapehub.relay.delivery_duration:250|ms|#env:test",
		"scrapehub.sweep.last_success_epoch:1700000000|g|#env:test",
	} {
		if !slices.Contains(lines, want) {
			t.Fatalf("expected line %q, got %v", want, lines)
		}
	}
}

func readLines(t *testing.T, receiver net.PacketConn, n int) []string {
	t.Helper()

	lines := make([]string, 0, n)
	buf := make([]byte, 1024)
	for len(lines) < n {
		if err := receiver.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		size, _, err := receiver.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read udp packet: %v", err)
		}
		lines = append(lines, string(buf[:size]))
	}
	return lines
}

func TestClientEnabledAndClose(t *testing.T) {
	t.Parallel()

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	client := &Client{
		enabled: true,
		conn:    clientConn,
	}

	if !client.Enabled() {
		t.Fatal("expected client.Enabled to report true with active connection")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if client.Enabled() {
		t.Fatal("expected client.Enabled to report false after Close")
	}

	// Verify Close can be called again without error.
	if err := client.Close(); err != nil {
		t.Fatalf("Close (second call) error: %v", err)
	}

	var nilClient *Client
	if nilClient.Enabled() {
		t.Fatal("nil client should report disabled")
	}
	if err := nilClient.Close(); err != nil {
		t.Fatalf("nil client Close error: %v", err)
	}
	nilClient.Count("admission.request", 1, nil)
}

func TestNewClientDisabledWithoutAddress(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{
		Enabled: true,
		Address: "   ",
	})
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	if client.Enabled() {
		t.Fatal("expected client to stay disabled when address is empty")
	}

	// Emissions on a disabled client must be silent no-ops.
	client.Count("admission.request", 1, nil)
}

func TestNewClientDialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{
		Enabled: true,
		Address: "bad address",
	})
	if err == nil {
		t.Fatal("expected NewClient to error for invalid address")
	}
	if !strings.Contains(err.Error(), "statsd dial") {
		t.Fatalf("unexpected error: %v", err)
	}
}
