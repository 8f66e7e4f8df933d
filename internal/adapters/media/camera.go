//go:build camera

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/randutil"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const (
	CameraDriver = "camera"
	rtpMTU       = 1200
)

func init() {
	RegisterDriver(CameraDriver, func() (Capturer, error) { return CameraCapturer{}, nil })
}

// CameraCapturer opens real devices through pion/mediadevices. Built only
// with the camera tag because the encoders need cgo libraries.
type CameraCapturer struct{}

func (CameraCapturer) Capture(ctx context.Context, c Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := log.With().Str("module", "media.camera").Logger()

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, domain.ErrNoDeviceFound
	}
	for _, d := range devices {
		logger.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if c.VideoBitrate > 0 {
		vpxParams.BitRate = c.VideoBitrate
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420, frame.FormatRGBA}
			if c.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.MaxWidth}
			}
			if c.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.MaxHeight}
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	gen := randutil.NewMathRandomGenerator()
	var out []Source
	for _, t := range stream.GetTracks() {
		kind, mime := domain.KindAudio, webrtc.MimeTypeOpus
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			kind, mime = domain.KindVideo, webrtc.MimeTypeVP8
		}
		codec := mime[strings.Index(mime, "/")+1:]
		r, err := t.NewRTPReader(codec, gen.Uint32(), rtpMTU)
		if err != nil {
			for _, s := range out {
				_ = s.Close()
			}
			for _, tt := range stream.GetTracks() {
				_ = tt.Close()
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrNoDeviceFound, err)
		}
		out = append(out, &deviceSource{kind: kind, mime: mime, track: t, reader: r})
	}
	if len(out) == 0 {
		return nil, domain.ErrNoDeviceFound
	}
	return out, nil
}

func classifyDeviceError(err error) error {
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return fmt.Errorf("%w: %v", domain.ErrMediaAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNoDeviceFound, err)
}

type deviceSource struct {
	kind   domain.MediaKind
	mime   string
	track  mediadevices.Track
	reader mediadevices.RTPReadCloser

	once sync.Once
	err  error
}

func (s *deviceSource) Kind() domain.MediaKind { return s.kind }
func (s *deviceSource) MimeType() string       { return s.mime }

func (s *deviceSource) Read() ([]*rtp.Packet, func(), error) {
	return s.reader.Read()
}

func (s *deviceSource) Close() error {
	s.once.Do(func() {
		s.err = multierr.Combine(s.reader.Close(), s.track.Close())
	})
	return s.err
}
