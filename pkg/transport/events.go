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
	"github.com/livekit/protocol/livekit"
)

// Event is the sealed set of notifications a Session emits.
type Event interface {
	isEvent()
}

type ParticipantJoined struct {
	Info ParticipantInfo
}

type ParticipantLeft struct {
	Identity string
}

type TrackPublished struct {
	Identity string
	Pub      Publication
}

type TrackSubscribed struct {
	Identity string
	Pub      Publication
}

type TrackUnpublished struct {
	Identity string
	Pub      Publication
}

type TrackUnsubscribed struct {
	Identity string
	Pub      Publication
}

type TrackMuted struct {
	Identity string
	Kind     livekit.TrackType
}

type TrackUnmuted struct {
	Identity string
	Kind     livekit.TrackType
}

type ConnectionStateChanged struct {
	State State
}

type ConnectionQualityChanged struct {
	Identity string
	Quality  livekit.ConnectionQuality
}

type Disconnected struct {
	Reason livekit.DisconnectReason
}

func (ParticipantJoined) isEvent()        {}
func (ParticipantLeft) isEvent()          {}
func (TrackPublished) isEvent()           {}
func (TrackSubscribed) isEvent()          {}
func (TrackUnpublished) isEvent()         {}
func (TrackUnsubscribed) isEvent()        {}
func (TrackMuted) isEvent()               {}
func (TrackUnmuted) isEvent()             {}
func (ConnectionStateChanged) isEvent()   {}
func (ConnectionQualityChanged) isEvent() {}
func (Disconnected) isEvent()             {}
