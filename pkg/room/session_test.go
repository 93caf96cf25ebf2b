package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/dtelecom/roomkit/pkg/testutils"
	"github.com/dtelecom/roomkit/pkg/transport"
)

type sessionFixture struct {
	transport *fakeTransport
	session   *Session

	lock      sync.Mutex
	connected []bool
	endedWith []error
}

func newSessionFixture(t *testing.T, identity string) *sessionFixture {
	f := &sessionFixture{
		transport: newFakeTransport(identity),
	}
	s, err := NewSession(SessionParams{
		Config:      testConfig(),
		Transport:   f.transport,
		Credentials: fakeCredentials{},
		Callbacks: Callbacks{
			OnConnectionChanged: func(connected bool) {
				f.lock.Lock()
				f.connected = append(f.connected, connected)
				f.lock.Unlock()
			},
			OnSessionEnded: func(err error) {
				f.lock.Lock()
				f.endedWith = append(f.endedWith, err)
				f.lock.Unlock()
			},
		},
	})
	require.NoError(t, err)
	f.session = s
	t.Cleanup(s.Close)
	return f
}

func (f *sessionFixture) lastEnded() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if len(f.endedWith) == 0 {
		return nil
	}
	return f.endedWith[len(f.endedWith)-1]
}

func (f *sessionFixture) connect(t *testing.T) {
	err := f.session.Connect(context.Background(), ConnectParams{
		Room:     "test-room",
		Identity: f.transport.LocalIdentity(),
		Creator:  true,
	})
	require.NoError(t, err)
	require.Equal(t, PhaseConnected, f.session.Phase())
}

func (f *sessionFixture) joinRemote(identity string) {
	f.transport.AddParticipant(transport.ParticipantInfo{Identity: identity})
	f.transport.Emit(transport.ParticipantJoined{
		Info: transport.ParticipantInfo{Identity: identity},
	})
}

func (f *sessionFixture) awaitParticipant(t *testing.T, identity string) {
	testutils.WithTimeout(t, func() string {
		if _, ok := f.session.registry.Get(identity); !ok {
			return fmt.Sprintf("%s not in registry", identity)
		}
		return ""
	})
}

func TestSessionConnect(t *testing.T) {
	t.Run("seeds roster with local participant first", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.transport.AddParticipant(transport.ParticipantInfo{Identity: "bob"})

		f.connect(t)

		snapshot := f.session.Snapshot()
		require.Len(t, snapshot, 2)
		require.Equal(t, "alice", snapshot[0].Identity)
		require.True(t, snapshot[0].IsLocal)
		require.True(t, snapshot[0].IsRoomCreator)
		require.Equal(t, "bob", snapshot[1].Identity)

		testutils.WithTimeout(t, func() string {
			f.lock.Lock()
			defer f.lock.Unlock()
			if len(f.connected) == 0 || !f.connected[len(f.connected)-1] {
				return "connection callback not fired"
			}
			return ""
		})
	})

	t.Run("credential failure", func(t *testing.T) {
		credErr := errors.New("key not authorized")
		ft := newFakeTransport("alice")
		s, err := NewSession(SessionParams{
			Config:      testConfig(),
			Transport:   ft,
			Credentials: failingCredentials{err: credErr},
		})
		require.NoError(t, err)
		t.Cleanup(s.Close)

		err = s.Connect(context.Background(), ConnectParams{Room: "r", Identity: "alice"})
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ConnectFailureCredential, ce.Reason)
		require.ErrorIs(t, err, credErr)
		require.Equal(t, PhaseDisconnected, s.Phase())
		require.Equal(t, 0, ft.connectCalls)
	})

	t.Run("transport failure", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.transport.connectErr = errors.New("dial refused")

		err := f.session.Connect(context.Background(), ConnectParams{Room: "r", Identity: "alice"})
		var ce *ConnectError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, ConnectFailureTransport, ce.Reason)
		require.Equal(t, PhaseDisconnected, f.session.Phase())
	})

	t.Run("connect after close", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.session.Close()
		err := f.session.Connect(context.Background(), ConnectParams{Room: "r", Identity: "alice"})
		require.ErrorIs(t, err, ErrSessionClosed)
	})
}

func TestSessionEvents(t *testing.T) {
	t.Run("join and leave", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)

		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")

		f.transport.Emit(transport.ParticipantLeft{Identity: "bob"})
		testutils.WithTimeout(t, func() string {
			if _, ok := f.session.registry.Get("bob"); ok {
				return "bob still in registry"
			}
			return ""
		})
	})

	t.Run("track events before join replay after it", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)

		f.transport.Emit(transport.TrackPublished{
			Identity: "bob",
			Pub: transport.Publication{
				SID:   "TR_v1",
				Kind:  livekit.TrackType_VIDEO,
				Track: &webrtc.TrackRemote{},
			},
		})
		f.joinRemote("bob")

		testutils.WithTimeout(t, func() string {
			p, ok := f.session.registry.Get("bob")
			if !ok {
				return "bob not in registry"
			}
			if !p.CameraOn || p.VideoTrack == nil {
				return "deferred track event not applied"
			}
			return ""
		})
	})

	t.Run("remote mute round trip", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")

		f.transport.Emit(transport.TrackUnmuted{Identity: "bob", Kind: livekit.TrackType_AUDIO})
		testutils.WithTimeout(t, func() string {
			p, _ := f.session.registry.Get("bob")
			if p.Muted {
				return "bob still muted"
			}
			return ""
		})

		f.transport.Emit(transport.TrackMuted{Identity: "bob", Kind: livekit.TrackType_AUDIO})
		testutils.WithTimeout(t, func() string {
			p, _ := f.session.registry.Get("bob")
			if !p.Muted {
				return "bob not muted"
			}
			return ""
		})
	})
}

func TestSessionToggles(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		require.ErrorIs(t, f.session.ToggleCamera(context.Background()), ErrNotConnected)
		require.ErrorIs(t, f.session.ToggleMicrophone(context.Background()), ErrNotConnected)
	})

	t.Run("camera toggle updates local entry", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)

		require.NoError(t, f.session.ToggleCamera(context.Background()))
		local, _ := f.session.LocalParticipant()
		require.True(t, local.CameraOn)
		require.True(t, f.transport.CameraEnabled())

		require.NoError(t, f.session.ToggleCamera(context.Background()))
		local, _ = f.session.LocalParticipant()
		require.False(t, local.CameraOn)
		require.False(t, f.transport.CameraEnabled())
	})

	t.Run("rolls back on transport failure", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.transport.setMicErr = errors.New("no media engine")

		err := f.session.ToggleMicrophone(context.Background())
		require.Error(t, err)

		local, _ := f.session.LocalParticipant()
		require.True(t, local.Muted)
		require.False(t, f.session.restorer.Intent().Microphone())
	})

	t.Run("concurrent camera toggle is rejected", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)

		hold := make(chan struct{})
		f.transport.lock.Lock()
		f.transport.setCameraHold = hold
		f.transport.lock.Unlock()

		done := make(chan error, 1)
		go func() {
			done <- f.session.ToggleCamera(context.Background())
		}()

		testutils.WithTimeout(t, func() string {
			f.transport.lock.Lock()
			defer f.transport.lock.Unlock()
			if f.transport.setCameraCalls == 0 {
				return "first toggle not in flight"
			}
			return ""
		})

		require.ErrorIs(t, f.session.ToggleCamera(context.Background()), ErrOperationInProgress)

		close(hold)
		require.NoError(t, <-done)

		// negated exactly once, not twice
		require.True(t, f.session.restorer.Intent().Camera())
		local, _ := f.session.LocalParticipant()
		require.True(t, local.CameraOn)
	})
}

func TestSessionDisconnects(t *testing.T) {
	t.Run("transient outage preserves roster and resumes", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")
		pub := transport.Publication{
			SID:   "TR_v1",
			Kind:  livekit.TrackType_VIDEO,
			Track: &webrtc.TrackRemote{},
		}
		f.transport.SetPublication("bob", pub)
		f.transport.Emit(transport.TrackPublished{Identity: "bob", Pub: pub})

		f.transport.Emit(transport.Disconnected{Reason: livekit.DisconnectReason_UNKNOWN_REASON})

		// the reconnecting window can be shorter than a poll interval,
		// so observe the outage through the callback history instead
		testutils.WithTimeout(t, func() string {
			f.lock.Lock()
			defer f.lock.Unlock()
			sawOutage := false
			for _, connected := range f.connected {
				if !connected {
					sawOutage = true
				} else if sawOutage {
					return ""
				}
			}
			return "reconnect cycle not observed in callbacks"
		})
		require.Equal(t, PhaseConnected, f.session.Phase())
		// no entry was lost across the outage
		require.Equal(t, 2, f.session.registry.Len())
		p, _ := f.session.registry.Get("bob")
		require.NotNil(t, p.VideoTrack)
		require.Nil(t, f.lastEnded())
	})

	t.Run("resume exhaustion ends the session", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.transport.lock.Lock()
		f.transport.resumeErr = errors.New("ice restart failed")
		f.transport.lock.Unlock()

		f.transport.Emit(transport.Disconnected{Reason: livekit.DisconnectReason_UNKNOWN_REASON})

		testutils.WithTimeout(t, func() string {
			if !errors.Is(f.lastEnded(), ErrReconnectFailed) {
				return "session not ended with reconnect failure"
			}
			return ""
		})
		require.Equal(t, PhaseDisconnected, f.session.Phase())
	})

	t.Run("permanent disconnect clears remotes and local media", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")
		require.NoError(t, f.session.ToggleCamera(context.Background()))

		f.transport.Emit(transport.Disconnected{Reason: livekit.DisconnectReason_ROOM_DELETED})

		testutils.WithTimeout(t, func() string {
			if f.session.Phase() != PhaseDisconnected {
				return "not disconnected"
			}
			return ""
		})

		var de *DisconnectedError
		require.ErrorAs(t, f.lastEnded(), &de)
		require.Equal(t, livekit.DisconnectReason_ROOM_DELETED, de.Reason)

		_, ok := f.session.registry.Get("bob")
		require.False(t, ok)
		local, ok := f.session.registry.Local()
		require.True(t, ok)
		require.Nil(t, local.VideoTrack)
		require.False(t, local.CameraOn)
	})
}

func TestSessionReconnect(t *testing.T) {
	t.Run("resume path", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")

		require.NoError(t, f.session.Reconnect(context.Background()))
		require.Equal(t, PhaseConnected, f.session.Phase())
		require.Equal(t, 2, f.session.registry.Len())
	})

	t.Run("recreate path preserves snapshot", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		f.joinRemote("bob")
		f.awaitParticipant(t, "bob")

		f.transport.lock.Lock()
		f.transport.resumeErr = transport.ErrResumeUnsupported
		f.transport.lock.Unlock()

		require.NoError(t, f.session.Reconnect(context.Background()))
		require.Equal(t, PhaseConnected, f.session.Phase())

		f.transport.lock.Lock()
		connects := f.transport.connectCalls
		f.transport.lock.Unlock()
		require.Equal(t, 2, connects)

		// bob carried over even though the new session has not re-sent
		// a join event yet
		_, ok := f.session.registry.Get("bob")
		require.True(t, ok)
		local, ok := f.session.registry.Local()
		require.True(t, ok)
		require.Equal(t, "alice", local.Identity)
	})

	t.Run("no hint without a prior connect", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.transport.lock.Lock()
		f.transport.resumeErr = transport.ErrResumeUnsupported
		f.transport.lock.Unlock()

		require.ErrorIs(t, f.session.Reconnect(context.Background()), ErrNoResumptionHint)
	})
}

func TestSessionRestoration(t *testing.T) {
	t.Run("camera restored after reconnect", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.transport.publishOnEnable = true
		f.connect(t)
		require.NoError(t, f.session.ToggleCamera(context.Background()))

		// the new media engine comes up without the published track
		f.transport.lock.Lock()
		f.transport.cameraEnabled = false
		delete(f.transport.publications, "alice")
		f.transport.lock.Unlock()

		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateRestarting})
		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateConnected})

		testutils.WithTimeout(t, func() string {
			if !f.transport.CameraEnabled() {
				return "camera not re-enabled"
			}
			p, ok := f.session.registry.Local()
			if !ok || p.VideoTrack == nil {
				return "local video track not restored"
			}
			return ""
		})
	})

	t.Run("gives up after bounded attempts", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		require.NoError(t, f.session.ToggleCamera(context.Background()))

		// every further enable fails; the track never comes back
		f.transport.lock.Lock()
		f.transport.cameraEnabled = false
		f.transport.setCameraErr = errors.New("no media engine")
		delete(f.transport.publications, "alice")
		f.transport.lock.Unlock()

		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateRestarting})
		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateConnected})

		max := testConfig().Timing.RestorationMaxAttempts
		testutils.WithTimeout(t, func() string {
			if f.session.restorer.Attempts() < max {
				return "attempts not exhausted yet"
			}
			return ""
		})

		// no further enables once exhausted
		f.transport.lock.Lock()
		calls := f.transport.setCameraCalls
		f.transport.lock.Unlock()
		time.Sleep(100 * time.Millisecond)
		f.transport.lock.Lock()
		after := f.transport.setCameraCalls
		f.transport.lock.Unlock()
		require.Equal(t, calls, after)
		require.Equal(t, max, f.session.restorer.Attempts())
	})

	t.Run("restores camera in a fresh session after a permanent disconnect", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.connect(t)
		require.NoError(t, f.session.ToggleCamera(context.Background()))

		// enables start failing, so the restoration pass parks a retry
		f.transport.lock.Lock()
		f.transport.cameraEnabled = false
		f.transport.setCameraErr = errors.New("no media engine")
		delete(f.transport.publications, "alice")
		f.transport.lock.Unlock()

		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateRestarting})
		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateConnected})
		testutils.WithTimeout(t, func() string {
			f.transport.lock.Lock()
			defer f.transport.lock.Unlock()
			if f.transport.setCameraCalls < 2 {
				return "restoration enable not attempted"
			}
			return ""
		})

		// the session dies with the pass still pending
		f.transport.Emit(transport.Disconnected{Reason: livekit.DisconnectReason_ROOM_DELETED})
		testutils.WithTimeout(t, func() string {
			if f.session.Phase() != PhaseDisconnected {
				return "not disconnected"
			}
			return ""
		})

		f.transport.lock.Lock()
		f.transport.setCameraErr = nil
		f.transport.publishOnEnable = true
		f.transport.lock.Unlock()

		// the next session must still honor the desired camera state
		f.connect(t)
		testutils.WithTimeout(t, func() string {
			if !f.transport.CameraEnabled() {
				return "camera not re-enabled in new session"
			}
			p, ok := f.session.registry.Local()
			if !ok || p.VideoTrack == nil {
				return "local video track not restored"
			}
			return ""
		})
	})

	t.Run("stale timers are ignored after disconnect", func(t *testing.T) {
		f := newSessionFixture(t, "alice")
		f.transport.publishOnEnable = true
		f.connect(t)
		require.NoError(t, f.session.ToggleCamera(context.Background()))

		f.transport.Emit(transport.ConnectionStateChanged{State: transport.StateRestarting})
		f.session.Disconnect()

		f.transport.lock.Lock()
		calls := f.transport.setCameraCalls
		f.transport.lock.Unlock()
		time.Sleep(100 * time.Millisecond)
		f.transport.lock.Lock()
		after := f.transport.setCameraCalls
		f.transport.lock.Unlock()
		require.Equal(t, calls, after)
	})
}
