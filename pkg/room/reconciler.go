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
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/dtelecom/roomkit/pkg/transport"
)

// track events for identities that have not joined yet are parked and
// replayed on join; bound keeps a misbehaving transport from growing
// the queues without limit
const maxDeferredPerIdentity = 16

type TrackReconcilerParams struct {
	Transport transport.Session
	Registry  *Registry
	Intent    *DeviceIntent
	Logger    logger.Logger
}

// TrackReconciler keeps each registry entry's track handles and derived
// flags consistent with the transport's authoritative publication set.
// For the local participant the desired device state is authoritative;
// for remote participants track presence is.
type TrackReconciler struct {
	params TrackReconcilerParams

	// during a transient outage a missing track is not "camera off"
	outage atomic.Bool

	lock     sync.Mutex
	deferred map[string]*deque.Deque[transport.Event]
}

func NewTrackReconciler(params TrackReconcilerParams) *TrackReconciler {
	return &TrackReconciler{
		params:   params,
		deferred: make(map[string]*deque.Deque[transport.Event]),
	}
}

func (t *TrackReconciler) SetOutage(on bool) {
	t.outage.Store(on)
}

func (t *TrackReconciler) InOutage() bool {
	return t.outage.Load()
}

// HandleTrackUp processes a published or subscribed track.
func (t *TrackReconciler) HandleTrackUp(identity string, pub transport.Publication) {
	if !t.applyTrackUp(identity, pub) {
		t.deferEvent(identity, transport.TrackPublished{Identity: identity, Pub: pub})
	}
}

func (t *TrackReconciler) applyTrackUp(identity string, pub transport.Publication) bool {
	return t.params.Registry.Update(identity, func(p *Participant) bool {
		switch pub.Kind {
		case livekit.TrackType_VIDEO:
			p.VideoTrack = pub.Track
			if p.IsLocal {
				p.CameraOn = t.params.Intent.Camera()
			} else {
				p.CameraOn = !pub.Muted
			}
		case livekit.TrackType_AUDIO:
			p.AudioTrack = pub.Track
			if p.IsLocal {
				p.Muted = !t.params.Intent.Microphone()
			} else {
				p.Muted = pub.Muted
			}
		default:
			return false
		}
		return true
	})
}

// HandleTrackDown processes an unpublished or unsubscribed track. While
// the session is in a transient outage the event is ignored entirely:
// treating a briefly missing track as "camera turned off" causes UI
// flicker and spurious restoration passes.
func (t *TrackReconciler) HandleTrackDown(identity string, pub transport.Publication) {
	if t.outage.Load() {
		return
	}
	t.params.Registry.Update(identity, func(p *Participant) bool {
		switch pub.Kind {
		case livekit.TrackType_VIDEO:
			if p.VideoTrack == nil {
				return false
			}
			p.VideoTrack = nil
			if !p.IsLocal {
				p.CameraOn = false
			}
		case livekit.TrackType_AUDIO:
			if p.AudioTrack == nil {
				return false
			}
			p.AudioTrack = nil
			if !p.IsLocal {
				p.Muted = true
			}
		default:
			return false
		}
		return true
	})
}

// HandleMute applies an explicit mute state change. Mute events are
// authoritative for the flag independent of track presence; the local
// entry is driven by desired state instead.
func (t *TrackReconciler) HandleMute(identity string, kind livekit.TrackType, muted bool) {
	found := t.params.Registry.Update(identity, func(p *Participant) bool {
		if p.IsLocal {
			return false
		}
		switch kind {
		case livekit.TrackType_AUDIO:
			if p.Muted == muted {
				return false
			}
			p.Muted = muted
		case livekit.TrackType_VIDEO:
			on := !muted
			if p.CameraOn == on {
				return false
			}
			p.CameraOn = on
		default:
			return false
		}
		return true
	})
	if !found {
		if muted {
			t.deferEvent(identity, transport.TrackMuted{Identity: identity, Kind: kind})
		} else {
			t.deferEvent(identity, transport.TrackUnmuted{Identity: identity, Kind: kind})
		}
	}
}

func (t *TrackReconciler) deferEvent(identity string, ev transport.Event) {
	t.lock.Lock()
	defer t.lock.Unlock()

	q := t.deferred[identity]
	if q == nil {
		q = deque.New[transport.Event]()
		t.deferred[identity] = q
	}
	if q.Len() >= maxDeferredPerIdentity {
		q.PopFront()
	}
	q.PushBack(ev)
}

// ReplayDeferred applies events that arrived before the identity's join.
func (t *TrackReconciler) ReplayDeferred(identity string) {
	t.lock.Lock()
	q := t.deferred[identity]
	delete(t.deferred, identity)
	t.lock.Unlock()
	if q == nil {
		return
	}

	for q.Len() > 0 {
		switch e := q.PopFront().(type) {
		case transport.TrackPublished:
			t.applyTrackUp(e.Identity, e.Pub)
		case transport.TrackMuted:
			t.HandleMute(e.Identity, e.Kind, true)
		case transport.TrackUnmuted:
			t.HandleMute(e.Identity, e.Kind, false)
		}
	}
}

// DropDeferred discards parked events for an identity that left.
func (t *TrackReconciler) DropDeferred(identity string) {
	t.lock.Lock()
	delete(t.deferred, identity)
	t.lock.Unlock()
}

// Reset clears outage state and all deferred queues.
func (t *TrackReconciler) Reset() {
	t.outage.Store(false)
	t.lock.Lock()
	t.deferred = make(map[string]*deque.Deque[transport.Event])
	t.lock.Unlock()
}

// ReconcileAll re-derives every entry's handles and flags from the
// transport's current publication maps. Pure re-derivation with no side
// effects beyond registry updates, so redundant calls are safe.
func (t *TrackReconciler) ReconcileAll() {
	infos := make(map[string]transport.ParticipantInfo)
	for _, info := range t.params.Transport.Participants() {
		infos[info.Identity] = info
	}
	for _, p := range t.params.Registry.Snapshot() {
		t.reconcileParticipant(p.Identity, infos)
	}
}

// ReconcileParticipant re-derives a single entry, used to seed flags at
// join time when the participant may already have live tracks.
func (t *TrackReconciler) ReconcileParticipant(identity string) {
	infos := make(map[string]transport.ParticipantInfo)
	for _, info := range t.params.Transport.Participants() {
		if info.Identity == identity {
			infos[identity] = info
			break
		}
	}
	t.reconcileParticipant(identity, infos)
}

func (t *TrackReconciler) reconcileParticipant(identity string, infos map[string]transport.ParticipantInfo) {
	pubs := t.params.Transport.Publications(identity)
	var video, audio *transport.Publication
	for i := range pubs {
		switch pubs[i].Kind {
		case livekit.TrackType_VIDEO:
			video = &pubs[i]
		case livekit.TrackType_AUDIO:
			audio = &pubs[i]
		}
	}
	info, known := infos[identity]
	inOutage := t.outage.Load()

	t.params.Registry.Update(identity, func(p *Participant) bool {
		prev := *p

		if video != nil {
			p.VideoTrack = video.Track
		} else if !inOutage {
			p.VideoTrack = nil
		}
		if audio != nil {
			p.AudioTrack = audio.Track
		} else if !inOutage {
			p.AudioTrack = nil
		}

		if p.IsLocal {
			p.CameraOn = t.params.Intent.Camera()
			p.Muted = !t.params.Intent.Microphone()
		} else {
			switch {
			case video != nil:
				p.CameraOn = !video.Muted
			case known:
				p.CameraOn = info.CameraEnabled
			default:
				if !inOutage {
					p.CameraOn = false
				}
			}
			switch {
			case audio != nil:
				p.Muted = audio.Muted
			case known:
				p.Muted = !info.MicrophoneEnabled
			default:
				if !inOutage {
					p.Muted = true
				}
			}
		}
		return prev != *p
	})
}
