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

	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/dtelecom/roomkit/pkg/config"
	"github.com/dtelecom/roomkit/pkg/telemetry/prometheus"
	"github.com/dtelecom/roomkit/pkg/transport"
)

// DeviceIntent is the user's desired camera/microphone state,
// independent of what the transport currently reports. It survives
// transient disconnection; only explicit user action or a new session
// resets it.
type DeviceIntent struct {
	camera atomic.Bool
	mic    atomic.Bool
}

func (i *DeviceIntent) Camera() bool {
	return i.camera.Load()
}

func (i *DeviceIntent) SetCamera(on bool) {
	i.camera.Store(on)
}

func (i *DeviceIntent) Microphone() bool {
	return i.mic.Load()
}

func (i *DeviceIntent) SetMicrophone(on bool) {
	i.mic.Store(on)
}

type RestorationParams struct {
	Transport    transport.Session
	Registry     *Registry
	Timing       config.TimingConfig
	Logger       logger.Logger
	Phase        func() Phase
	CurrentEpoch func() uint32
	// Schedule runs fn on the session loop after delay unless the epoch
	// has moved on
	Schedule func(epoch uint32, delay time.Duration, fn func())
	// Enqueue runs fn on the session loop, same staleness rule
	Enqueue   func(epoch uint32, fn func())
	Reconcile func()
}

// RestorationController reasserts the desired local camera state after
// reconnection. It is a best-effort background process: it retries a
// bounded number of times with growing delays and gives up quietly.
type RestorationController struct {
	params RestorationParams

	intent   DeviceIntent
	attempts atomic.Int32
	inFlight atomic.Bool
	// epoch that claimed the in-flight guard. A continuation whose
	// epoch went stale is dropped by the session loop without ever
	// reaching finish(), so the guard alone cannot be trusted across
	// session swaps.
	epoch atomic.Uint32
}

func NewRestorationController(params RestorationParams) *RestorationController {
	return &RestorationController{
		params: params,
	}
}

func (rc *RestorationController) Intent() *DeviceIntent {
	return &rc.intent
}

func (rc *RestorationController) Attempts() int {
	return int(rc.attempts.Load())
}

// Cancel marks any in-flight pass stale and resets the attempt counter.
// Desired device state is preserved.
func (rc *RestorationController) Cancel() {
	rc.attempts.Store(0)
	rc.inFlight.Store(false)
}

// Trigger starts a restoration pass. Only one pass may be in flight at
// a time; a trigger while one is active is a no-op, unless the active
// pass belongs to an earlier epoch, in which case the guard is
// reclaimed: that pass can never run again.
func (rc *RestorationController) Trigger(epoch uint32) {
	rc.reassertMicrophone()
	if !rc.intent.Camera() {
		return
	}
	if !rc.inFlight.CompareAndSwap(false, true) {
		if rc.epoch.Load() == epoch {
			return
		}
		rc.attempts.Store(0)
	}
	rc.epoch.Store(epoch)
	rc.attempt(epoch, 0)
}

// reassertMicrophone re-enables the microphone when desired state and
// transport state disagree after a reconnect. One best-effort call, no
// retry loop: there is no published-track condition to poll for, the
// enable either takes or the user toggles manually.
func (rc *RestorationController) reassertMicrophone() {
	if !rc.intent.Microphone() || rc.params.Transport.MicrophoneEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rc.params.Timing.ConnectTimeout)
		defer cancel()
		if err := rc.params.Transport.SetMicrophoneEnabled(ctx, true); err != nil {
			rc.params.Logger.Debugw("microphone enable failed during restoration", "error", err)
		}
	}()
}

func (rc *RestorationController) finish() {
	rc.inFlight.Store(false)
}

func (rc *RestorationController) stale(epoch uint32) bool {
	return rc.params.CurrentEpoch() != epoch || rc.params.Phase() != PhaseConnected
}

func (rc *RestorationController) attempt(epoch uint32, readyPolls int) {
	if rc.stale(epoch) || !rc.intent.Camera() {
		rc.finish()
		return
	}
	if int(rc.attempts.Load()) >= rc.params.Timing.RestorationMaxAttempts {
		// gave up earlier; the user can toggle manually
		rc.finish()
		return
	}
	if rc.restored() {
		rc.attempts.Store(0)
		rc.finish()
		return
	}

	// wait for the engine to accept publishes, bounded. Past the bound
	// we proceed anyway and rely on the transport's own readiness
	// handling inside the enable call.
	if !rc.params.Transport.PublishReady() && readyPolls < rc.params.Timing.PublishReadyPollLimit {
		rc.params.Schedule(epoch, rc.params.Timing.PublishReadyPollInterval, func() {
			rc.attempt(epoch, readyPolls+1)
		})
		return
	}

	rc.enable(epoch)
}

func (rc *RestorationController) enable(epoch uint32) {
	prometheus.RestorationAttempt()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rc.params.Timing.ConnectTimeout)
		err := rc.params.Transport.SetCameraEnabled(ctx, true)
		cancel()
		rc.params.Enqueue(epoch, func() {
			rc.afterEnable(epoch, err)
		})
	}()
}

func (rc *RestorationController) afterEnable(epoch uint32, err error) {
	if rc.stale(epoch) {
		rc.finish()
		return
	}
	if err != nil {
		rc.params.Logger.Debugw("camera enable failed during restoration", "error", err)
		rc.retry(epoch)
		return
	}

	// give the transport a moment to publish before looking for the track
	rc.params.Schedule(epoch, rc.params.Timing.RefreshDelay, func() {
		rc.params.Reconcile()
		if rc.restored() {
			rc.attempts.Store(0)
			prometheus.RestorationSucceeded()
			rc.params.Logger.Infow("restored local camera state")
			rc.finish()
			return
		}
		rc.retry(epoch)
	})
}

func (rc *RestorationController) retry(epoch uint32) {
	attempt := rc.attempts.Inc()
	if int(attempt) >= rc.params.Timing.RestorationMaxAttempts {
		prometheus.RestorationExhausted()
		rc.params.Logger.Debugw("restoration attempts exhausted", "attempts", attempt)
		rc.finish()
		return
	}
	rc.params.Schedule(epoch, rc.params.Timing.RestorationBackoff*time.Duration(attempt), func() {
		rc.attempt(epoch, 0)
	})
}

func (rc *RestorationController) restored() bool {
	local, ok := rc.params.Registry.Local()
	if !ok {
		return false
	}
	return local.VideoTrack != nil && rc.params.Transport.CameraEnabled()
}
