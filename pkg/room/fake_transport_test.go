package room

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"

	"github.com/dtelecom/roomkit/pkg/config"
	"github.com/dtelecom/roomkit/pkg/transport"
)

// fakeTransport is an in-memory transport.Session for driving the
// session manager in tests. Events are emitted synchronously from the
// test goroutine.
type fakeTransport struct {
	lock sync.Mutex

	identity      string
	connected     bool
	cameraEnabled bool
	micEnabled    bool
	publishReady  bool

	participants []transport.ParticipantInfo
	publications map[string][]transport.Publication

	connectErr   error
	resumeErr    error
	setCameraErr error
	setMicErr    error

	// when set, SetCameraEnabled adds a local video publication so the
	// reconciler can observe the track afterwards
	publishOnEnable bool

	connectCalls   int
	resumeCalls    int
	setCameraCalls int
	setCameraHold  chan struct{}

	sink func(transport.Event)
}

func newFakeTransport(identity string) *fakeTransport {
	return &fakeTransport{
		identity:     identity,
		publishReady: true,
		publications: make(map[string][]transport.Publication),
	}
}

func (f *fakeTransport) Connect(_ context.Context, _ string, _ string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Resume(_ context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.resumeCalls++
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() {
	f.lock.Lock()
	f.connected = false
	f.lock.Unlock()
}

func (f *fakeTransport) LocalIdentity() string {
	return f.identity
}

func (f *fakeTransport) CameraEnabled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.cameraEnabled
}

func (f *fakeTransport) MicrophoneEnabled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.micEnabled
}

func (f *fakeTransport) SetCameraEnabled(_ context.Context, enabled bool) error {
	f.lock.Lock()
	f.setCameraCalls++
	hold := f.setCameraHold
	f.lock.Unlock()
	if hold != nil {
		<-hold
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.setCameraErr != nil {
		return f.setCameraErr
	}
	f.cameraEnabled = enabled
	if enabled && f.publishOnEnable {
		f.setPublicationLocked(f.identity, transport.Publication{
			SID:   "TR_local_video",
			Kind:  livekit.TrackType_VIDEO,
			Track: &webrtc.TrackRemote{},
		})
	}
	if !enabled {
		f.removePublicationLocked(f.identity, livekit.TrackType_VIDEO)
	}
	return nil
}

func (f *fakeTransport) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.setMicErr != nil {
		return f.setMicErr
	}
	f.micEnabled = enabled
	return nil
}

func (f *fakeTransport) CreateScreenShareTrack(_ context.Context) (webrtc.TrackLocal, error) {
	return nil, transport.ErrNotConnected
}

func (f *fakeTransport) PublishTrack(_ context.Context, _ webrtc.TrackLocal) error {
	return nil
}

func (f *fakeTransport) PublishReady() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.publishReady
}

func (f *fakeTransport) Participants() []transport.ParticipantInfo {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]transport.ParticipantInfo, len(f.participants))
	copy(out, f.participants)
	return out
}

func (f *fakeTransport) Publications(identity string) []transport.Publication {
	f.lock.Lock()
	defer f.lock.Unlock()
	pubs := f.publications[identity]
	out := make([]transport.Publication, len(pubs))
	copy(out, pubs)
	return out
}

func (f *fakeTransport) OnEvent(fn func(transport.Event)) {
	f.lock.Lock()
	f.sink = fn
	f.lock.Unlock()
}

func (f *fakeTransport) Emit(ev transport.Event) {
	f.lock.Lock()
	sink := f.sink
	f.lock.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (f *fakeTransport) AddParticipant(info transport.ParticipantInfo) {
	f.lock.Lock()
	f.participants = append(f.participants, info)
	f.lock.Unlock()
}

func (f *fakeTransport) SetPublication(identity string, pub transport.Publication) {
	f.lock.Lock()
	f.setPublicationLocked(identity, pub)
	f.lock.Unlock()
}

func (f *fakeTransport) setPublicationLocked(identity string, pub transport.Publication) {
	pubs := f.publications[identity]
	for i := range pubs {
		if pubs[i].Kind == pub.Kind {
			pubs[i] = pub
			return
		}
	}
	f.publications[identity] = append(pubs, pub)
}

func (f *fakeTransport) RemovePublication(identity string, kind livekit.TrackType) {
	f.lock.Lock()
	f.removePublicationLocked(identity, kind)
	f.lock.Unlock()
}

func (f *fakeTransport) removePublicationLocked(identity string, kind livekit.TrackType) {
	pubs := f.publications[identity]
	for i := range pubs {
		if pubs[i].Kind == kind {
			f.publications[identity] = append(pubs[:i], pubs[i+1:]...)
			return
		}
	}
}

type fakeCredentials struct{}

func (fakeCredentials) GenerateCredential(_ context.Context, _ string, identity string, _ bool) (string, error) {
	return "token-" + identity, nil
}

type failingCredentials struct {
	err error
}

func (f failingCredentials) GenerateCredential(context.Context, string, string, bool) (string, error) {
	return "", f.err
}

func testConfig() *config.Config {
	conf := config.DefaultConfig
	conf.URL = "wss://test.example.com"
	conf.Timing = config.TimingConfig{
		ConnectTimeout:           time.Second,
		SettleDelay:              10 * time.Millisecond,
		PublishReadyPollInterval: 5 * time.Millisecond,
		PublishReadyPollLimit:    3,
		RefreshDelay:             10 * time.Millisecond,
		RestorationMaxAttempts:   2,
		RestorationBackoff:       10 * time.Millisecond,
		ReconnectMaxAttempts:     2,
		ReconnectBackoff:         10 * time.Millisecond,
		QualityDebounce:          20 * time.Millisecond,
	}
	return &conf
}
