/*
 * Copyright 2024 dTelecom
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frostbyte73/core"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/dtelecom/roomkit/pkg/audio"
	"github.com/dtelecom/roomkit/pkg/config"
	"github.com/dtelecom/roomkit/pkg/telemetry/prometheus"
	"github.com/dtelecom/roomkit/pkg/transport"
	"github.com/dtelecom/roomkit/pkg/utils"
)

// CredentialProvider issues the signed join credential. The credential
// is treated as an opaque string; a provider failure fails the connect
// attempt.
type CredentialProvider interface {
	GenerateCredential(ctx context.Context, roomName string, identity string, creator bool) (string, error)
}

// Callbacks are invoked synchronously on the session loop. They must
// not call back into the session and must not block.
type Callbacks struct {
	OnParticipantsChanged func(snapshot []*Participant)
	OnConnectionChanged   func(connected bool)
	// terminal endings the caller did not request: reconnect attempts
	// exhausted (ErrReconnectFailed) or a permanent server disconnect
	// (*DisconnectedError)
	OnSessionEnded func(err error)
}

type SessionParams struct {
	Config      *config.Config
	Transport   transport.Session
	Credentials CredentialProvider
	Callbacks   Callbacks
	Logger      logger.Logger
}

type ConnectParams struct {
	Room     string
	Identity string
	Creator  bool
}

// Session composes the registry, reconciler, connection monitor and
// restoration controller behind the single public entry point.
type Session struct {
	id     string
	params SessionParams
	timing config.TimingConfig
	logger logger.Logger

	ops    *utils.OpsQueue
	epoch  atomic.Uint32
	closed core.Fuse

	registry   *Registry
	reconciler *TrackReconciler
	restorer   *RestorationController
	monitor    *connectionMonitor
	hints      *hintCache

	roomName      atomic.String
	localAudioSID atomic.String
	started       atomic.Bool
	lastConnected atomic.Bool

	cameraPending atomic.Bool
	micPending    atomic.Bool
	screenPending atomic.Bool
}

func NewSession(params SessionParams) (*Session, error) {
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if params.Credentials == nil {
		return nil, errors.New("credential provider is required")
	}
	if params.Config == nil {
		conf := config.DefaultConfig
		params.Config = &conf
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	s := &Session{
		id:     utils.NewGuid(utils.SessionPrefix),
		params: params,
		timing: params.Config.Timing,
		logger: params.Logger,
		hints:  newHintCache(),
	}
	s.ops = utils.NewOpsQueue(params.Logger, "session", 64)
	s.registry = NewRegistry()
	s.registry.SetOnChanged(s.notifyParticipants)

	s.restorer = NewRestorationController(RestorationParams{
		Transport:    params.Transport,
		Registry:     s.registry,
		Timing:       s.timing,
		Logger:       params.Logger,
		Phase:        func() Phase { return s.monitor.Phase() },
		CurrentEpoch: s.epoch.Load,
		Schedule:     s.schedule,
		Enqueue:      s.enqueueEpoch,
		Reconcile:    func() { s.reconciler.ReconcileAll() },
	})
	s.reconciler = NewTrackReconciler(TrackReconcilerParams{
		Transport: params.Transport,
		Registry:  s.registry,
		Intent:    s.restorer.Intent(),
		Logger:    params.Logger,
	})
	s.monitor = newConnectionMonitor(connectionMonitorParams{
		Transport:      params.Transport,
		Registry:       s.registry,
		Reconciler:     s.reconciler,
		Restorer:       s.restorer,
		Timing:         s.timing,
		Logger:         params.Logger,
		CurrentEpoch:   s.epoch.Load,
		Schedule:       s.schedule,
		Enqueue:        s.enqueueEpoch,
		OnPhaseChanged: s.handlePhaseChanged,
		OnSessionEnded: s.handleSessionEnded,
	})

	params.Transport.OnEvent(s.enqueueEvent)
	s.ops.Start()
	return s, nil
}

// Connect establishes a session. Calling it while already connected
// tears down the previous session first.
func (s *Session) Connect(ctx context.Context, p ConnectParams) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}
	if s.monitor.Phase() != PhaseDisconnected {
		s.Disconnect()
	}
	epoch := s.epoch.Inc()
	s.monitor.StartConnecting()
	s.logger.Infow("connecting to room",
		"sessionID", s.id, "room", p.Room, "identity", p.Identity)
	start := time.Now()

	token, err := s.params.Credentials.GenerateCredential(ctx, p.Room, p.Identity, p.Creator)
	if err != nil {
		s.monitor.MarkDisconnected()
		return &ConnectError{Reason: ConnectFailureCredential, cause: err}
	}

	cctx, cancel := context.WithTimeout(ctx, s.timing.ConnectTimeout)
	err = s.params.Transport.Connect(cctx, s.params.Config.URL, token)
	cancel()
	if err != nil {
		s.monitor.MarkDisconnected()
		if errors.Is(err, context.DeadlineExceeded) {
			return &ConnectError{Reason: ConnectFailureTimeout, cause: ErrConnectTimeout}
		}
		return &ConnectError{Reason: ConnectFailureTransport, cause: err}
	}

	// the nominal connected state is not enough: publishing right after
	// it intermittently fails, so wait for the engine to settle first
	s.awaitPublishReady(ctx)

	s.seedRoster(p.Identity, p.Creator)
	s.roomName.Store(p.Room)
	s.hints.Put(p.Room, resumptionHint{
		URL:      s.params.Config.URL,
		Token:    token,
		Identity: p.Identity,
		Creator:  p.Creator,
	})
	s.monitor.MarkConnected()
	s.started.Store(true)
	prometheus.SessionStarted(time.Since(start))

	// the desired device state outlives the previous session; reassert it
	s.restorer.Trigger(epoch)
	return nil
}

// Disconnect tears the session down. Safe to call at any time,
// including when already disconnected.
func (s *Session) Disconnect() {
	// invalidate in-flight timers and continuations first
	s.epoch.Inc()
	s.params.Transport.Close()
	s.reconciler.Reset()
	s.restorer.Cancel()
	s.detachLocalAudio()
	s.registry.Clear()
	s.monitor.MarkDisconnected()
	if s.started.Swap(false) {
		prometheus.SessionEnded()
	}
}

// Close disconnects and releases the session loop. The session cannot
// be reused afterwards.
func (s *Session) Close() {
	if s.closed.IsBroken() {
		return
	}
	s.closed.Break()
	s.Disconnect()
	s.ops.Stop()
}

// Reconnect re-establishes a session, preferring the transport's own
// resume path. When that is unavailable the current participant
// snapshot is preserved, the session is recreated from the stored
// resumption hint, and the snapshot is restored into the new registry
// so the UI never sees an empty roster during the swap.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}

	err := s.params.Transport.Resume(ctx)
	if err == nil {
		prometheus.ReconnectAttempt(true)
		s.reconciler.SetOutage(false)
		s.monitor.MarkConnected()
		epoch := s.epoch.Load()
		s.schedule(epoch, s.timing.SettleDelay, func() {
			s.reconciler.ReconcileAll()
			s.restorer.Trigger(epoch)
		})
		return nil
	}
	if !errors.Is(err, transport.ErrResumeUnsupported) {
		s.logger.Warnw("transport resume failed, recreating session", err)
	}

	roomName := s.roomName.Load()
	hint, ok := s.hints.Get(roomName)
	if !ok {
		return ErrNoResumptionHint
	}

	saved := s.registry.Snapshot()
	epoch := s.epoch.Inc()
	s.params.Transport.Close()
	s.reconciler.Reset()
	s.restorer.Cancel()
	s.monitor.StartConnecting()

	cctx, cancel := context.WithTimeout(ctx, s.timing.ConnectTimeout)
	err = s.params.Transport.Connect(cctx, hint.URL, hint.Token)
	cancel()
	if err != nil {
		prometheus.ReconnectAttempt(false)
		s.monitor.MarkDisconnected()
		return &ConnectError{Reason: ConnectFailureTransport, cause: err}
	}
	s.awaitPublishReady(ctx)

	// bridge the old roster into the fresh registry, then converge it
	// with what the transport reports
	s.registry.Restore(saved)
	s.seedRoster(hint.Identity, hint.Creator)
	s.monitor.MarkConnected()
	prometheus.ReconnectAttempt(true)
	s.restorer.Trigger(epoch)
	return nil
}

// ToggleCamera flips the desired camera state. The local entry is
// updated optimistically and rolled back if the transport rejects the
// change.
func (s *Session) ToggleCamera(ctx context.Context) error {
	if s.monitor.Phase() != PhaseConnected {
		return ErrNotConnected
	}
	if !s.cameraPending.CompareAndSwap(false, true) {
		return ErrOperationInProgress
	}
	defer s.cameraPending.Store(false)

	intent := s.restorer.Intent()
	target := !intent.Camera()
	intent.SetCamera(target)
	s.registry.UpdateLocal(func(p *Participant) bool {
		p.CameraOn = target
		return true
	})

	if err := s.params.Transport.SetCameraEnabled(ctx, target); err != nil {
		intent.SetCamera(!target)
		s.registry.UpdateLocal(func(p *Participant) bool {
			p.CameraOn = !target
			return true
		})
		prometheus.ToggleFailed("camera")
		return fmt.Errorf("could not toggle camera: %w", err)
	}

	// pick up the (un)published track once the transport settles
	epoch := s.epoch.Load()
	s.schedule(epoch, s.timing.RefreshDelay, func() {
		s.reconciler.ReconcileAll()
	})
	return nil
}

// ToggleMicrophone flips the desired microphone state, optimistically.
func (s *Session) ToggleMicrophone(ctx context.Context) error {
	if s.monitor.Phase() != PhaseConnected {
		return ErrNotConnected
	}
	if !s.micPending.CompareAndSwap(false, true) {
		return ErrOperationInProgress
	}
	defer s.micPending.Store(false)

	intent := s.restorer.Intent()
	target := !intent.Microphone()
	intent.SetMicrophone(target)
	s.registry.UpdateLocal(func(p *Participant) bool {
		p.Muted = !target
		return true
	})

	if err := s.params.Transport.SetMicrophoneEnabled(ctx, target); err != nil {
		intent.SetMicrophone(!target)
		s.registry.UpdateLocal(func(p *Participant) bool {
			p.Muted = target
			return true
		})
		prometheus.ToggleFailed("microphone")
		return fmt.Errorf("could not toggle microphone: %w", err)
	}

	epoch := s.epoch.Load()
	s.schedule(epoch, s.timing.RefreshDelay, func() {
		s.reconciler.ReconcileAll()
	})
	return nil
}

// ToggleScreenShare starts sharing the screen. Screen share is
// supplementary: failures are logged, never surfaced as hard errors.
func (s *Session) ToggleScreenShare(ctx context.Context) {
	if s.monitor.Phase() != PhaseConnected {
		s.logger.Debugw("ignoring screen share toggle while not connected")
		return
	}
	if !s.screenPending.CompareAndSwap(false, true) {
		return
	}
	defer s.screenPending.Store(false)

	track, err := s.params.Transport.CreateScreenShareTrack(ctx)
	if err != nil {
		s.logger.Warnw("could not create screen share track", err)
		return
	}
	if err := s.params.Transport.PublishTrack(ctx, track); err != nil {
		s.logger.Warnw("could not publish screen share track", err)
	}
}

// ---------------------------------------------------------------------

func (s *Session) Phase() Phase {
	return s.monitor.Phase()
}

func (s *Session) IsConnected() bool {
	return s.monitor.Phase() == PhaseConnected
}

func (s *Session) Snapshot() []*Participant {
	return s.registry.Snapshot()
}

func (s *Session) LocalParticipant() (*Participant, bool) {
	return s.registry.Local()
}

// ObserveLocalAudioFrame feeds one audio frame level from the media
// pipeline into the local level monitor.
func (s *Session) ObserveLocalAudioFrame(level uint8) {
	sid := s.localAudioSID.Load()
	if sid == "" {
		return
	}
	if m, ok := audio.GetContext().Monitor(sid); ok {
		m.Observe(level)
	}
}

// LocalAudioLevel returns the smoothed local microphone level, 0
// (loudest) to 127 (silent), and whether it is considered active.
func (s *Session) LocalAudioLevel() (uint8, bool) {
	sid := s.localAudioSID.Load()
	if sid == "" {
		return 0, false
	}
	m, ok := audio.GetContext().Monitor(sid)
	if !ok {
		return 0, false
	}
	return m.GetLevel()
}

// LocalAudioLevelLinear returns the local level on a 0.0-1.0 linear
// scale for UI meters, 0 when the track is inactive or unmonitored.
func (s *Session) LocalAudioLevelLinear() (float32, bool) {
	level, active := s.LocalAudioLevel()
	if !active {
		return 0, false
	}
	return audio.ConvertAudioLevel(level), true
}

// ---------------------------------------------------------------------

func (s *Session) enqueueEvent(ev transport.Event) {
	epoch := s.epoch.Load()
	s.ops.Enqueue(func() {
		if s.epoch.Load() != epoch {
			// event from a session that has since been torn down
			return
		}
		s.dispatch(ev)
	})
}

func (s *Session) enqueueEpoch(epoch uint32, fn func()) {
	s.ops.Enqueue(func() {
		if s.epoch.Load() == epoch {
			fn()
		}
	})
}

func (s *Session) schedule(epoch uint32, delay time.Duration, fn func()) {
	time.AfterFunc(delay, func() {
		s.enqueueEpoch(epoch, fn)
	})
}

func (s *Session) dispatch(ev transport.Event) {
	switch e := ev.(type) {
	case transport.ParticipantJoined:
		s.handleJoined(e)
	case transport.ParticipantLeft:
		s.reconciler.DropDeferred(e.Identity)
		s.registry.Remove(e.Identity)
	case transport.TrackPublished:
		s.reconciler.HandleTrackUp(e.Identity, e.Pub)
		s.maybeAttachLocalAudio(e.Identity, e.Pub)
	case transport.TrackSubscribed:
		s.reconciler.HandleTrackUp(e.Identity, e.Pub)
	case transport.TrackUnpublished:
		s.reconciler.HandleTrackDown(e.Identity, e.Pub)
	case transport.TrackUnsubscribed:
		s.reconciler.HandleTrackDown(e.Identity, e.Pub)
	case transport.TrackMuted:
		s.reconciler.HandleMute(e.Identity, e.Kind, true)
	case transport.TrackUnmuted:
		s.reconciler.HandleMute(e.Identity, e.Kind, false)
	case transport.ConnectionStateChanged:
		s.monitor.HandleStateChanged(e.State)
	case transport.ConnectionQualityChanged:
		s.monitor.HandleQuality(e.Identity, e.Quality)
	case transport.Disconnected:
		s.monitor.HandleDisconnected(e.Reason)
	}
}

func (s *Session) handleJoined(e transport.ParticipantJoined) {
	identity := e.Info.Identity
	isLocal := identity == s.params.Transport.LocalIdentity()
	s.registry.Upsert(identity, isLocal, e.Info.IsCreator)
	s.reconciler.ReconcileParticipant(identity)
	s.reconciler.ReplayDeferred(identity)
}

func (s *Session) handlePhaseChanged(p Phase) {
	connected := p == PhaseConnected
	if s.lastConnected.Swap(connected) == connected {
		return
	}
	if cb := s.params.Callbacks.OnConnectionChanged; cb != nil {
		cb(connected)
	}
}

func (s *Session) handleSessionEnded(err error) {
	s.detachLocalAudio()
	if s.started.Swap(false) {
		prometheus.SessionEnded()
	}
	if cb := s.params.Callbacks.OnSessionEnded; cb != nil {
		cb(err)
	}
}

func (s *Session) notifyParticipants() {
	if cb := s.params.Callbacks.OnParticipantsChanged; cb != nil {
		cb(s.registry.Snapshot())
	}
}

func (s *Session) awaitPublishReady(ctx context.Context) {
	for i := 0; i < s.timing.PublishReadyPollLimit; i++ {
		if s.params.Transport.PublishReady() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.timing.PublishReadyPollInterval):
		}
	}
	// proceed anyway; the transport handles readiness internally
}

func (s *Session) seedRoster(localIdentity string, creator bool) {
	// local entry first so it leads the snapshot
	s.registry.Upsert(localIdentity, true, creator)
	for _, info := range s.params.Transport.Participants() {
		if info.Identity == localIdentity {
			continue
		}
		s.registry.Upsert(info.Identity, false, info.IsCreator)
	}
	s.reconciler.ReconcileAll()
}

func (s *Session) maybeAttachLocalAudio(identity string, pub transport.Publication) {
	if pub.Kind != livekit.TrackType_AUDIO || identity != s.params.Transport.LocalIdentity() {
		return
	}
	audioConf := s.params.Config.Audio
	_, err := audio.GetContext().Attach(pub.SID, audioConf.ActiveLevel, audioConf.MinPercentile)
	if err != nil && !errors.Is(err, audio.ErrAlreadyAttached) {
		s.logger.Debugw("could not attach audio level monitor", "error", err)
		return
	}
	s.localAudioSID.Store(pub.SID)
}

func (s *Session) detachLocalAudio() {
	if sid := s.localAudioSID.Swap(""); sid != "" {
		audio.GetContext().Detach(sid)
	}
}
