// Package rtc is the Peer Connection Manager built on pion/webrtc.
package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

type Config struct {
	STUNServers         []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
	// IncludeLoopback gathers 127.0.0.1 host candidates. Only useful when
	// both peers run on the same host.
	IncludeLoopback bool
}

// Factory builds connections sharing one webrtc.API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.PeerFactory = (*Factory)(nil)

func NewFactory(c Config) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(c.DisconnectedTimeout, c.FailedTimeout, c.KeepaliveInterval)
	if c.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	var servers []webrtc.ICEServer
	if len(c.STUNServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: c.STUNServers}}
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: servers},
	}, nil
}

func (f *Factory) NewPeer() (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}
	c.logger = log.With().Str("module", "rtc").Logger()
	return c, nil
}

// Connection wraps one webrtc.PeerConnection for a single call attempt.
type Connection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu      sync.Mutex
	role    domain.Role
	senders []*webrtc.RTPSender

	closeOnce sync.Once
	closeErr  error
}

var _ core.PeerConnection = (*Connection)(nil)

func (c *Connection) AddLocalTracks(stream core.LocalStream) error {
	for _, t := range stream.Tracks() {
		sender, err := c.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		c.mu.Lock()
		c.senders = append(c.senders, sender)
		c.mu.Unlock()
		go c.drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads sender RTCP so the interceptors keep running.
func (c *Connection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) CreateOffer() (domain.SessionDescription, error) {
	o, err := c.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromWebRTC(o), nil
}

func (c *Connection) CreateAnswer() (domain.SessionDescription, error) {
	a, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromWebRTC(a), nil
}

func (c *Connection) SetLocalDescription(d domain.SessionDescription) error {
	sd, err := toWebRTC(d)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(sd); err != nil {
		return err
	}
	role := domain.RoleOffering
	if d.Type == domain.SDPTypeAnswer {
		role = domain.RoleAnswering
	}
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
	c.logger.Debug().Str("role", role.String()).Msg("local description set")
	return nil
}

func (c *Connection) SetRemoteDescription(d domain.SessionDescription) error {
	sd, err := toWebRTC(d)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(cand domain.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *Connection) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Connection) OnICECandidate(fn func(domain.ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (c *Connection) OnRemoteTrack(fn func(core.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(&remoteTrack{track: track})
	})
}

func (c *Connection) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(connectionState(s))
	})
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		senders := c.senders
		c.senders = nil
		c.mu.Unlock()

		var stopErr error
		for _, s := range senders {
			stopErr = multierr.Append(stopErr, s.Stop())
		}
		if stopErr != nil {
			c.logger.Debug().Err(stopErr).Msg("sender stop")
		}
		err := c.pc.Close()
		c.closeErr = err
		if err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return c.closeErr
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.track.ID() }
func (r *remoteTrack) StreamID() string { return r.track.StreamID() }

func (r *remoteTrack) Kind() domain.MediaKind {
	if r.track.Kind() == webrtc.RTPCodecTypeVideo {
		return domain.KindVideo
	}
	return domain.KindAudio
}

func (r *remoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return r.track.ReadRTP()
}

func fromWebRTC(sd webrtc.SessionDescription) domain.SessionDescription {
	t := domain.SDPTypeOffer
	if sd.Type == webrtc.SDPTypeAnswer {
		t = domain.SDPTypeAnswer
	}
	return domain.SessionDescription{Type: t, SDP: sd.SDP}
}

func toWebRTC(d domain.SessionDescription) (webrtc.SessionDescription, error) {
	switch d.Type {
	case domain.SDPTypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: d.SDP}, nil
	case domain.SDPTypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: d.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("unsupported description type %q", d.Type)
}

func connectionState(s webrtc.PeerConnectionState) domain.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.ConnectionClosed
	}
	return domain.ConnectionNew
}
