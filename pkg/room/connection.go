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
	"time"

	"github.com/bep/debounce"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/dtelecom/roomkit/pkg/config"
	"github.com/dtelecom/roomkit/pkg/telemetry/prometheus"
	"github.com/dtelecom/roomkit/pkg/transport"
)

type connectionMonitorParams struct {
	Transport    transport.Session
	Registry     *Registry
	Reconciler   *TrackReconciler
	Restorer     *RestorationController
	Timing       config.TimingConfig
	Logger       logger.Logger
	CurrentEpoch func() uint32
	Schedule     func(epoch uint32, delay time.Duration, fn func())
	Enqueue      func(epoch uint32, fn func())

	OnPhaseChanged func(phase Phase)
	// invoked when the session ends without the caller asking for it:
	// reconnect attempts exhausted or a permanent server-side disconnect
	OnSessionEnded func(err error)
}

// connectionMonitor observes transport connection and quality events,
// decides when to retry the connection and when to hand off to the
// restoration controller. Quality signals are advisory hints, never
// phase transitions.
type connectionMonitor struct {
	params connectionMonitorParams

	phase          atomic.Int32
	resumeAttempts atomic.Int32
	lastQuality    atomic.Int32

	restoreDebounce func(func())
	refreshDebounce func(func())
}

func newConnectionMonitor(params connectionMonitorParams) *connectionMonitor {
	m := &connectionMonitor{
		params:          params,
		restoreDebounce: debounce.New(params.Timing.QualityDebounce),
		refreshDebounce: debounce.New(params.Timing.QualityDebounce),
	}
	m.phase.Store(int32(PhaseDisconnected))
	m.lastQuality.Store(int32(livekit.ConnectionQuality_EXCELLENT))
	return m
}

func (m *connectionMonitor) Phase() Phase {
	return Phase(m.phase.Load())
}

func (m *connectionMonitor) setPhase(p Phase) {
	if Phase(m.phase.Swap(int32(p))) == p {
		return
	}
	if m.params.OnPhaseChanged != nil {
		m.params.OnPhaseChanged(p)
	}
}

func (m *connectionMonitor) StartConnecting() {
	m.resumeAttempts.Store(0)
	m.lastQuality.Store(int32(livekit.ConnectionQuality_EXCELLENT))
	m.setPhase(PhaseConnecting)
}

func (m *connectionMonitor) MarkConnected() {
	m.resumeAttempts.Store(0)
	m.setPhase(PhaseConnected)
}

func (m *connectionMonitor) MarkDisconnected() {
	m.setPhase(PhaseDisconnected)
}

func (m *connectionMonitor) HandleStateChanged(st transport.State) {
	switch st {
	case transport.StateResuming, transport.StateRestarting:
		if m.Phase() == PhaseConnected {
			m.params.Logger.Infow("transport reconnecting", "state", st.String())
			m.params.Reconciler.SetOutage(true)
			m.setPhase(PhaseReconnecting)
		}
	case transport.StateConnected:
		if m.Phase() == PhaseReconnecting {
			m.handleReconnected()
		}
	}
}

func (m *connectionMonitor) handleReconnected() {
	m.resumeAttempts.Store(0)
	m.params.Reconciler.SetOutage(false)
	m.setPhase(PhaseConnected)

	// an immediate refresh misses local tracks the transport has not
	// re-published yet; let it settle first
	epoch := m.params.CurrentEpoch()
	m.params.Schedule(epoch, m.params.Timing.SettleDelay, func() {
		if m.Phase() != PhaseConnected {
			return
		}
		m.params.Reconciler.ReconcileAll()
		m.params.Restorer.Trigger(epoch)
	})
}

func (m *connectionMonitor) HandleDisconnected(reason livekit.DisconnectReason) {
	if m.Phase() == PhaseDisconnected {
		return
	}
	if transport.IsPermanentDisconnect(reason) {
		m.params.Logger.Infow("disconnected from room", "reason", reason.String())
		m.handlePermanent(reason)
		return
	}

	// transient: preserve all participant and track state through the
	// reconnection
	m.params.Reconciler.SetOutage(true)
	m.setPhase(PhaseReconnecting)
	m.scheduleResume(m.params.CurrentEpoch())
}

func (m *connectionMonitor) handlePermanent(reason livekit.DisconnectReason) {
	m.params.Reconciler.SetOutage(false)
	// remote entries leave with the session; the local entry stays but
	// its media references are cleared
	for _, p := range m.params.Registry.Snapshot() {
		if !p.IsLocal {
			m.params.Registry.Remove(p.Identity)
			continue
		}
		m.params.Registry.Update(p.Identity, func(e *Participant) bool {
			changed := e.VideoTrack != nil || e.AudioTrack != nil || e.CameraOn
			e.VideoTrack = nil
			e.AudioTrack = nil
			e.CameraOn = false
			return changed
		})
	}
	m.setPhase(PhaseDisconnected)
	if m.params.OnSessionEnded != nil {
		m.params.OnSessionEnded(&DisconnectedError{Reason: reason})
	}
}

func (m *connectionMonitor) scheduleResume(epoch uint32) {
	attempt := m.resumeAttempts.Inc()
	if int(attempt) > m.params.Timing.ReconnectMaxAttempts {
		m.params.Logger.Warnw("reconnect attempts exhausted", ErrReconnectFailed,
			"attempts", attempt-1)
		m.setPhase(PhaseDisconnected)
		if m.params.OnSessionEnded != nil {
			m.params.OnSessionEnded(ErrReconnectFailed)
		}
		return
	}

	delay := m.params.Timing.ReconnectBackoff * time.Duration(attempt)
	m.params.Schedule(epoch, delay, func() {
		if m.Phase() != PhaseReconnecting {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.params.Timing.ConnectTimeout)
			err := m.params.Transport.Resume(ctx)
			cancel()
			m.params.Enqueue(epoch, func() {
				if m.Phase() != PhaseReconnecting {
					return
				}
				if err != nil {
					prometheus.ReconnectAttempt(false)
					m.params.Logger.Warnw("resume attempt failed", err, "attempt", attempt)
					m.scheduleResume(epoch)
					return
				}
				prometheus.ReconnectAttempt(true)
				m.handleReconnected()
			})
		}()
	})
}

// HandleQuality treats connection quality as a hint: persistent poor
// quality with the camera wanted on schedules a restoration check, and
// recovery from poor quality schedules a track refresh.
func (m *connectionMonitor) HandleQuality(identity string, quality livekit.ConnectionQuality) {
	if identity != m.params.Transport.LocalIdentity() {
		return
	}
	prev := livekit.ConnectionQuality(m.lastQuality.Swap(int32(quality)))
	if m.Phase() != PhaseConnected {
		return
	}

	epoch := m.params.CurrentEpoch()
	if quality == livekit.ConnectionQuality_POOR {
		if m.params.Restorer.Intent().Camera() {
			m.restoreDebounce(func() {
				m.params.Enqueue(epoch, func() {
					if m.Phase() == PhaseConnected {
						m.params.Restorer.Trigger(epoch)
					}
				})
			})
		}
	} else if prev == livekit.ConnectionQuality_POOR {
		m.refreshDebounce(func() {
			m.params.Enqueue(epoch, func() {
				if m.Phase() == PhaseConnected {
					m.params.Reconciler.ReconcileAll()
				}
			})
		})
	}
}
