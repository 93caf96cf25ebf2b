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

package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrResumeUnsupported = errors.New("transport does not support resuming a session")
	ErrNotConnected      = errors.New("transport session is not connected")
)

// TrackHandle references a media track owned by the transport. Remote
// tracks are *webrtc.TrackRemote, locally published ones implement
// webrtc.TrackLocal. Handles are referenced weakly by the session
// manager and are never closed or destroyed by it.
type TrackHandle interface{}

// ParticipantInfo is the transport's current view of a participant's
// identity and device-enabled flags.
type ParticipantInfo struct {
	Identity          string
	IsCreator         bool
	CameraEnabled     bool
	MicrophoneEnabled bool
}

// Publication describes one track in a participant's publication map.
type Publication struct {
	SID   string
	Kind  livekit.TrackType
	Muted bool
	Track TrackHandle
}

// State mirrors the transport's own connection state machine as
// reported through ConnectionStateChanged events.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	// transport lost connectivity and is retrying over the existing session
	StateResuming
	// transport is tearing down and re-establishing its media engine
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Session is the externally provided media transport, consumed as a
// black box. A Session may be connected again after Close; event
// delivery stops once Close returns.
type Session interface {
	Connect(ctx context.Context, url string, token string) error
	// Resume retries the existing session without recreating it.
	// Returns ErrResumeUnsupported if the transport has no such path.
	Resume(ctx context.Context) error
	Close()

	LocalIdentity() string

	// transport-reported local device state, distinct from user intent
	CameraEnabled() bool
	MicrophoneEnabled() bool

	SetCameraEnabled(ctx context.Context, enabled bool) error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	CreateScreenShareTrack(ctx context.Context) (webrtc.TrackLocal, error)
	PublishTrack(ctx context.Context, track webrtc.TrackLocal) error

	// PublishReady reports whether the media engine has settled enough
	// to accept publish requests. This is a best-effort hint: callers
	// may proceed without it and rely on the transport's own internal
	// readiness handling.
	PublishReady() bool

	Participants() []ParticipantInfo
	Publications(identity string) []Publication

	// OnEvent registers the single event sink. The transport invokes
	// it serially from its own goroutine.
	OnEvent(fn func(Event))
}
