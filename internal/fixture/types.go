// Package fixture tracks physical light fixtures and their connectivity.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrConnectivityLoss marks a transport failure against a fixture.
// It never escapes Registry.Discover; Handle.Apply returns it wrapped with the fixture ID.
var ErrConnectivityLoss = errors.New("fixture connectivity lost")

// ID identifies a fixture across discovery passes.
type ID int

// MaxID is the largest ID expressible by a two digit name suffix.
const MaxID ID = 99

// Position is a point in the shared fixture/comet coordinate space.
type Position struct {
	X, Y, Z float64
}

// Color is the value committed to a fixture.
type Color struct {
	R, G, B uint8
}

// String returns the color as a hex triplet.
func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Device is a transport-level discovery result.
type Device struct {
	Address string
	Name    string
}

// Transport is the physical link to fixtures.
// Every call must honour ctx so a hung device cannot stall the caller.
type Transport interface {
	Discover(ctx context.Context) ([]Device, error)
	Connect(ctx context.Context, address string) error
	Apply(ctx context.Context, address string, c Color) error
}

// ParseID extracts a fixture ID from an advertised device name.
// The name must start with prefix and end in two decimal digits ("Light07" -> 7).
func ParseID(prefix, name string) (ID, bool) {
	if !strings.HasPrefix(name, prefix) || len(name) < len(prefix)+2 {
		return 0, false
	}
	suffix := name[len(name)-2:]
	if suffix[0] < '0' || suffix[0] > '9' || suffix[1] < '0' || suffix[1] > '9' {
		return 0, false
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n == 0 {
		return 0, false
	}
	return ID(n), true
}
