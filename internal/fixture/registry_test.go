package fixture

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestRegistry(transport Transport) *Registry {
	return NewRegistry(transport, Options{
		NamePrefix: "Light",
		Positions:  map[ID]Position{1: {X: 1}, 2: {X: 2}},
	})
}

func TestDiscoverAddsMatchingFixtures(t *testing.T) {
	transport := newFakeTransport(
		Device{Address: "aa:01", Name: "Light01"},
		Device{Address: "aa:02", Name: "Light02"},
		Device{Address: "bb:00", Name: "Headphones"},
	)
	r := newTestRegistry(transport)

	if got := r.Discover(context.Background()); got != 2 {
		t.Fatalf("Discover() = %d, want 2", got)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}

	h, ok := r.Get(2)
	if !ok {
		t.Fatal("fixture 2 missing")
	}
	if h.Address() != "aa:02" || h.Position() != (Position{X: 2}) || !h.Connected() {
		t.Errorf("fixture 2 = {%s %v %s}, want {aa:02 {2 0 0} connected}", h.Address(), h.Position(), h.State())
	}
}

func TestDiscoverIsIdempotent(t *testing.T) {
	transport := newFakeTransport(
		Device{Address: "aa:01", Name: "Light01"},
		Device{Address: "aa:02", Name: "Light02"},
		Device{Address: "aa:03", Name: "Light03"},
	)
	transport.setFailConnect("aa:03", true)
	r := newTestRegistry(transport)

	first := r.Discover(context.Background())
	firstIDs := ids(r.Snapshot())

	second := r.Discover(context.Background())
	secondIDs := ids(r.Snapshot())

	if first != second || first != 2 {
		t.Errorf("connected counts = %d, %d, want 2 both times", first, second)
	}
	if len(firstIDs) != 3 || len(secondIDs) != 3 {
		t.Fatalf("snapshots = %v, %v, want three entries each", firstIDs, secondIDs)
	}
	for i := range firstIDs {
		if firstIDs[i] != secondIDs[i] {
			t.Errorf("snapshot changed between passes: %v vs %v", firstIDs, secondIDs)
		}
	}

	// Connected fixtures are not reconnected on the second pass
	if got := transport.connectCount("aa:01"); got != 1 {
		t.Errorf("connect attempts for aa:01 = %d, want 1", got)
	}
	if got := transport.connectCount("aa:03"); got != 2 {
		t.Errorf("connect attempts for aa:03 = %d, want 2", got)
	}
}

func TestDiscoverInsertsFixtureEvenWhenConnectFails(t *testing.T) {
	transport := newFakeTransport(Device{Address: "aa:05", Name: "Light05"})
	transport.setFailConnect("aa:05", true)
	r := newTestRegistry(transport)

	if got := r.Discover(context.Background()); got != 0 {
		t.Fatalf("Discover() = %d, want 0", got)
	}
	h, ok := r.Get(5)
	if !ok {
		t.Fatal("fixture 5 should be tracked despite the failed connect")
	}
	if h.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.State())
	}
}

func TestDiscoverReconnectsDisconnectedFixture(t *testing.T) {
	transport := newFakeTransport(Device{Address: "aa:07", Name: "Light07"})
	transport.setFailConnect("aa:07", true)
	r := newTestRegistry(transport)

	r.Discover(context.Background())
	h, _ := r.Get(7)
	if h.Connected() {
		t.Fatal("fixture 7 should start disconnected")
	}

	transport.setFailConnect("aa:07", false)
	if got := r.Discover(context.Background()); got != 1 {
		t.Fatalf("Discover() after recovery = %d, want 1", got)
	}
	if !h.Connected() {
		t.Error("fixture 7 should be connected after recovery")
	}
}

func TestDiscoverTransportErrorKeepsRegistry(t *testing.T) {
	transport := newFakeTransport(Device{Address: "aa:01", Name: "Light01"})
	r := newTestRegistry(transport)
	r.Discover(context.Background())

	transport.discoverErr = errors.New("adapter busy")
	if got := r.Discover(context.Background()); got != 1 {
		t.Errorf("Discover() with failing scan = %d, want previous count 1", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestApplyFailureFlipsHandleAndNextDiscoveryRecovers(t *testing.T) {
	transport := newFakeTransport(Device{Address: "aa:04", Name: "Light04"})
	r := newTestRegistry(transport)
	r.Discover(context.Background())

	h, _ := r.Get(4)
	transport.setFailApply("aa:04", true)

	err := h.Apply(context.Background(), Color{R: 1})
	if !errors.Is(err, ErrConnectivityLoss) {
		t.Fatalf("Apply() error = %v, want ErrConnectivityLoss", err)
	}
	if h.Connected() {
		t.Fatal("handle should be disconnected after a failed apply")
	}
	if r.ConnectedCount() != 0 {
		t.Errorf("ConnectedCount() = %d, want 0", r.ConnectedCount())
	}

	transport.setFailApply("aa:04", false)
	if got := r.Discover(context.Background()); got != 1 {
		t.Fatalf("Discover() = %d, want 1", got)
	}
	if err := h.Apply(context.Background(), Color{G: 2}); err != nil {
		t.Errorf("Apply() after reconnect = %v", err)
	}
}

func TestDuplicateNamesInOnePassAreProcessedOnce(t *testing.T) {
	transport := newFakeTransport(
		Device{Address: "aa:09", Name: "Light09"},
		Device{Address: "cc:09", Name: "Light09"},
	)
	r := newTestRegistry(transport)
	r.Discover(context.Background())

	h, _ := r.Get(9)
	if h.Address() != "aa:09" {
		t.Errorf("address = %s, want first advertised aa:09", h.Address())
	}
	if got := transport.connectCount("cc:09"); got != 0 {
		t.Errorf("duplicate address was connected %d times", got)
	}
}

func TestSnapshotIsOrderedByID(t *testing.T) {
	transport := newFakeTransport(
		Device{Address: "c", Name: "Light30"},
		Device{Address: "a", Name: "Light10"},
		Device{Address: "b", Name: "Light20"},
	)
	r := newTestRegistry(transport)
	r.Discover(context.Background())

	got := ids(r.Snapshot())
	want := []ID{10, 20, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() ids = %v, want %v", got, want)
		}
	}
}

func ids(handles []*Handle) []ID {
	out := make([]ID, len(handles))
	for i, h := range handles {
		out[i] = h.ID()
	}
	return out
}

func TestDiscoverBoundsHungTransport(t *testing.T) {
	transport := newFakeTransport(Device{Address: "aa:01", Name: "Light01"})
	transport.hang = true
	r := NewRegistry(transport, Options{DiscoverTimeout: 50 * time.Millisecond})

	done := make(chan int, 1)
	go func() { done <- r.Discover(context.Background()) }()

	select {
	case got := <-done:
		if got != 0 {
			t.Errorf("Discover() = %d, want 0", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Discover() blocked past its timeout")
	}
}
