package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/CareCall/internal/adapters/media"
	"github.com/dkeye/CareCall/internal/adapters/store/memory"
	"github.com/dkeye/CareCall/internal/core"
	"github.com/dkeye/CareCall/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

var errFlaky = errors.New("store unavailable")

type fakePeer struct {
	name string

	mu      sync.Mutex
	role    domain.Role
	local   *domain.SessionDescription
	remote  *domain.SessionDescription
	added   []domain.ICECandidate
	early   int
	closed  int
	tracks  int
	onICE   func(domain.ICECandidate)
	onState func(domain.ConnectionState)
	onTrack func(core.RemoteTrack)
}

func (p *fakePeer) AddLocalTracks(s core.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = len(s.Tracks())
	return nil
}

func (p *fakePeer) CreateOffer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "offer-" + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: domain.SDPTypeAnswer, SDP: "answer-" + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &d
	p.role = domain.RoleOffering
	if d.Type == domain.SDPTypeAnswer {
		p.role = domain.RoleAnswering
	}
	return nil
}

func (p *fakePeer) SetRemoteDescription(d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &d
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.early++
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) Role() domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *fakePeer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

func (p *fakePeer) OnRemoteTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) emitCandidate(s string) {
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	fn(domain.ICECandidate{Candidate: s})
}

func (p *fakePeer) emitState(st domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) emitTrack(t core.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(t)
}

func (p *fakePeer) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePeer) addedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.added)
}

func (p *fakePeer) earlyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early
}

func (p *fakePeer) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	name  string
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer() (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: fmt.Sprintf("%s-%d", f.name, len(f.peers))}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

func (f *fakeFactory) all() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

type failingMedia struct{ err error }

func (m failingMedia) Acquire(context.Context) (core.LocalStream, error) { return nil, m.err }

// recordingMedia hands out synthetic streams and keeps them for assertions.
type recordingMedia struct {
	ctrl    *media.Controller
	mu      sync.Mutex
	streams []core.LocalStream
}

func newRecordingMedia() *recordingMedia {
	return &recordingMedia{ctrl: media.NewController(media.SyntheticCapturer{}, media.Constraints{Audio: true, Video: true})}
}

func (m *recordingMedia) Acquire(ctx context.Context) (core.LocalStream, error) {
	s, err := m.ctrl.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *recordingMedia) stream() core.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[0]
}

// flakyStore fails the named operation a number of times before delegating.
type flakyStore struct {
	*memory.Store
	mu    sync.Mutex
	fails map[string]int
	lost  map[string]int
	calls map[string]int
	// beforeMerge runs once ahead of the first delegated MergeRoom.
	beforeMerge func(domain.RoomPatch)
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.New(), fails: map[string]int{}, lost: map[string]int{}, calls: map[string]int{}}
}

func (f *flakyStore) failNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = n
}

// loseNext lets the next n calls of op reach the store and then fail, like
// a write whose reply never arrives.
func (f *flakyStore) loseNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost[op] = n
}

func (f *flakyStore) takeLost(op string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost[op] > 0 {
		f.lost[op]--
		return true
	}
	return false
}

func (f *flakyStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fails[op] > 0 {
		f.fails[op]--
		return errFlaky
	}
	return nil
}

func (f *flakyStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) GetRoom(ctx context.Context, roomID string) (domain.Room, bool, error) {
	if err := f.hit("get"); err != nil {
		return domain.Room{}, false, err
	}
	return f.Store.GetRoom(ctx, roomID)
}

func (f *flakyStore) MergeRoom(ctx context.Context, roomID string, patch domain.RoomPatch) (domain.MergeResult, error) {
	if err := f.hit("merge"); err != nil {
		return domain.MergeResult{}, err
	}
	f.mu.Lock()
	hook := f.beforeMerge
	f.beforeMerge = nil
	f.mu.Unlock()
	if hook != nil {
		hook(patch)
	}
	res, err := f.Store.MergeRoom(ctx, roomID, patch)
	if err == nil && f.takeLost("merge") {
		return domain.MergeResult{}, errFlaky
	}
	return res, err
}

func (f *flakyStore) AppendCandidate(ctx context.Context, roomID string, role domain.Role, cand domain.ICECandidate, senderID string) error {
	if err := f.hit("append"); err != nil {
		return err
	}
	return f.Store.AppendCandidate(ctx, roomID, role, cand, senderID)
}

func (f *flakyStore) DeleteOwnCandidates(ctx context.Context, roomID, senderID string) error {
	if err := f.hit("delete"); err != nil {
		return err
	}
	return f.Store.DeleteOwnCandidates(ctx, roomID, senderID)
}

func (f *flakyStore) ClearNegotiation(ctx context.Context, roomID, senderID string, held domain.Role) error {
	if err := f.hit("clear"); err != nil {
		return err
	}
	return f.Store.ClearNegotiation(ctx, roomID, senderID, held)
}

// fakeRemoteTrack yields n packets and then fails like a closed transport.
type fakeRemoteTrack struct {
	n    int32
	read atomic.Int32
}

func (t *fakeRemoteTrack) ID() string             { return "remote-audio" }
func (t *fakeRemoteTrack) StreamID() string       { return "remote-stream" }
func (t *fakeRemoteTrack) Kind() domain.MediaKind { return domain.KindAudio }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if t.read.Add(1) > t.n {
		return nil, nil, errors.New("track closed")
	}
	return &rtp.Packet{Payload: []byte{1, 2, 3, 4}}, nil, nil
}
