package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/dokzlo13/cometd/internal/config"
	"github.com/dokzlo13/cometd/internal/fixture"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:      "tcp://127.0.0.1:1883",
		ClientID:    "cometd-test",
		TopicPrefix: "cometd/fixtures/",
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		address string
		kind    string
		ok      bool
	}{
		{"cometd/fixtures/strip-1/announce", "strip-1", "announce", true},
		{"cometd/fixtures/strip-1/status", "strip-1", "status", true},
		{"cometd/fixtures/strip-1/set", "strip-1", "set", true},
		{"cometd/fixtures/strip-1/other", "", "", false},
		{"cometd/fixtures/strip-1/status/extra", "", "", false},
		{"cometd/fixtures//status", "", "", false},
		{"other/strip-1/status", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			address, kind, ok := parseTopic("cometd/fixtures", tt.topic)
			if address != tt.address || kind != tt.kind || ok != tt.ok {
				t.Errorf("parseTopic(%q) = %q, %q, %v; want %q, %q, %v",
					tt.topic, address, kind, ok, tt.address, tt.kind, tt.ok)
			}
		})
	}
}

func TestHandleTracksDevices(t *testing.T) {
	tr := New(testConfig())

	tr.handle("cometd/fixtures/b/announce", []byte(`{"name":"Light02"}`))
	tr.handle("cometd/fixtures/a/announce", []byte(`{"name":"Light01"}`))
	tr.handle("cometd/fixtures/a/status", []byte("online"))
	tr.handle("cometd/fixtures/c/status", []byte("online")) // status before announce
	tr.handle("cometd/fixtures/d/announce", []byte(`not json`))

	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if got := len(tr.devices); got != 3 {
		t.Fatalf("tracked %d devices, want 3", got)
	}
	if d := tr.devices["a"]; d.name != "Light01" || !d.online {
		t.Errorf("device a = %+v, want Light01 online", *d)
	}
	if d := tr.devices["b"]; d.name != "Light02" || d.online {
		t.Errorf("device b = %+v, want Light02 offline", *d)
	}
	if d := tr.devices["c"]; d.name != "" || !d.online {
		t.Errorf("device c = %+v, want unnamed online", *d)
	}
}

func TestHandleStatusAndClear(t *testing.T) {
	tr := New(testConfig())
	tr.handle("cometd/fixtures/a/announce", []byte(`{"name":"Light01"}`))
	tr.handle("cometd/fixtures/a/status", []byte("online"))
	tr.handle("cometd/fixtures/a/status", []byte("offline"))

	tr.mu.RLock()
	online := tr.devices["a"].online
	tr.mu.RUnlock()
	if online {
		t.Error("device a should be offline after offline status")
	}

	tr.handle("cometd/fixtures/a/announce", nil)
	tr.mu.RLock()
	_, ok := tr.devices["a"]
	tr.mu.RUnlock()
	if ok {
		t.Error("device a should be removed after its announcement is cleared")
	}
}

func TestNotConnected(t *testing.T) {
	tr := New(testConfig())
	ctx := context.Background()

	if _, err := tr.Discover(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Discover() error = %v, want ErrNotConnected", err)
	}
	if err := tr.Connect(ctx, "a"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect() error = %v, want ErrNotConnected", err)
	}
	if err := tr.Apply(ctx, "a", fixture.Color{R: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Apply() error = %v, want ErrNotConnected", err)
	}
	tr.Close()
}
