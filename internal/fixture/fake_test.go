package fixture

import (
	"context"
	"errors"
	"sync"
)

var errUnreachable = errors.New("unreachable")

// fakeTransport is an in-memory transport whose behaviour tests flip per address.
type fakeTransport struct {
	mu          sync.Mutex
	devices     []Device
	discoverErr error
	hang        bool // Discover blocks until its context ends
	failConnect map[string]bool
	failApply   map[string]bool
	connects    map[string]int
	applied     map[string][]Color
}

func newFakeTransport(devices ...Device) *fakeTransport {
	return &fakeTransport{
		devices:     devices,
		failConnect: make(map[string]bool),
		failApply:   make(map[string]bool),
		connects:    make(map[string]int),
		applied:     make(map[string][]Color),
	}
}

func (f *fakeTransport) Discover(ctx context.Context) ([]Device, error) {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeTransport) Connect(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[address]++
	if f.failConnect[address] {
		return errUnreachable
	}
	return nil
}

func (f *fakeTransport) Apply(ctx context.Context, address string, c Color) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApply[address] {
		return errUnreachable
	}
	f.applied[address] = append(f.applied[address], c)
	return nil
}

func (f *fakeTransport) setFailConnect(address string, fail bool) {
	f.mu.Lock()
	f.failConnect[address] = fail
	f.mu.Unlock()
}

func (f *fakeTransport) setFailApply(address string, fail bool) {
	f.mu.Lock()
	f.failApply[address] = fail
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[address]
}
