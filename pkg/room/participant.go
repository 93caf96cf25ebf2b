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
	"github.com/dtelecom/roomkit/pkg/transport"
)

// Phase is the session's connection phase as observed by the UI layer.
// Only transport events drive transitions.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Participant is one entry in the registry snapshot handed to the UI.
// Track handles are owned by the transport and referenced weakly; the
// session manager never destroys them.
type Participant struct {
	Identity      string
	IsLocal       bool
	IsRoomCreator bool

	CameraOn bool
	Muted    bool

	VideoTrack transport.TrackHandle
	AudioTrack transport.TrackHandle
}

func (p *Participant) clone() *Participant {
	c := *p
	return &c
}
