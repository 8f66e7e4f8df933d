package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const SyntheticDriver = "synthetic"

var errSourceClosed = errors.New("source closed")

func init() {
	RegisterDriver(SyntheticDriver, func() (Capturer, error) { return SyntheticCapturer{}, nil })
}

// SyntheticCapturer emits a test pattern at real-time pacing. It lets a call
// run on hosts without camera or microphone.
type SyntheticCapturer struct{}

func (SyntheticCapturer) Capture(ctx context.Context, c Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Source
	if c.Audio {
		out = append(out, newSyntheticSource(domain.KindAudio, webrtc.MimeTypeOpus, 20*time.Millisecond, 960, 3))
	}
	if c.Video {
		out = append(out, newSyntheticSource(domain.KindVideo, webrtc.MimeTypeVP8, 33*time.Millisecond, 3000, 64))
	}
	if len(out) == 0 {
		return nil, domain.ErrNoDeviceFound
	}
	return out, nil
}

type syntheticSource struct {
	kind     domain.MediaKind
	mime     string
	interval time.Duration
	tsStep   uint32
	payload  []byte

	ticker *time.Ticker
	header rtp.Header

	once sync.Once
	done chan struct{}
}

func newSyntheticSource(kind domain.MediaKind, mime string, interval time.Duration, tsStep uint32, size int) *syntheticSource {
	gen := randutil.NewMathRandomGenerator()
	payload := make([]byte, size)
	if kind == domain.KindVideo {
		// VP8 payload descriptor with the start-of-partition bit
		payload[0] = 0x10
	}
	return &syntheticSource{
		kind:     kind,
		mime:     mime,
		interval: interval,
		tsStep:   tsStep,
		payload:  payload,
		ticker:   time.NewTicker(interval),
		header: rtp.Header{
			Version:        2,
			SSRC:           gen.Uint32(),
			SequenceNumber: uint16(gen.Uint32()),
			Timestamp:      gen.Uint32(),
			Marker:         true,
		},
		done: make(chan struct{}),
	}
}

func (s *syntheticSource) Kind() domain.MediaKind { return s.kind }
func (s *syntheticSource) MimeType() string       { return s.mime }

func (s *syntheticSource) Read() ([]*rtp.Packet, func(), error) {
	select {
	case <-s.done:
		return nil, nil, errSourceClosed
	case <-s.ticker.C:
	}
	s.header.SequenceNumber++
	s.header.Timestamp += s.tsStep
	pkt := &rtp.Packet{Header: s.header, Payload: s.payload}
	return []*rtp.Packet{pkt}, nil, nil
}

func (s *syntheticSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}
