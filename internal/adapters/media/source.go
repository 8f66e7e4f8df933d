package media

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/rtp"
)

// Source produces encoded RTP for one local track.
type Source interface {
	Kind() domain.MediaKind
	MimeType() string
	// Read blocks until the next packets are ready. release may be nil.
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

// Constraints bound what a capturer opens.
type Constraints struct {
	Audio        bool
	Video        bool
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int
}

// Capturer opens device sources. Errors must wrap domain.ErrMediaAccessDenied
// or domain.ErrNoDeviceFound when the cause is known.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) ([]Source, error)
}

type DriverFactory func() (Capturer, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]DriverFactory{}
)

// RegisterDriver makes a capturer available under name.
func RegisterDriver(name string, f DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = f
}

func NewCapturer(driver string) (Capturer, error) {
	driversMu.RLock()
	f, ok := drivers[driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("media driver %q not available (have %v)", driver, Drivers())
	}
	return f()
}

func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
