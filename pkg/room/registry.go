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

	"github.com/elliotchance/orderedmap/v2"
)

// Registry owns all participant and track bookkeeping for a session.
// It is the sole source of truth: no component keeps a separate cache
// of participant state. Snapshots preserve join order.
type Registry struct {
	lock      sync.RWMutex
	entries   *orderedmap.OrderedMap[string, *Participant]
	onChanged func()
}

func NewRegistry() *Registry {
	return &Registry{
		entries: orderedmap.NewOrderedMap[string, *Participant](),
	}
}

// SetOnChanged registers the snapshot change notification. Must be set
// before the registry is shared; invoked synchronously after every
// mutation, outside the registry lock.
func (r *Registry) SetOnChanged(fn func()) {
	r.onChanged = fn
}

func (r *Registry) notify() {
	if r.onChanged != nil {
		r.onChanged()
	}
}

// Upsert adds a participant or refreshes an existing entry. Idempotent:
// join events and track events can race, so duplicate calls are
// tolerated. IsRoomCreator is set once at creation and never updated.
func (r *Registry) Upsert(identity string, isLocal bool, isRoomCreator bool) {
	r.lock.Lock()
	if p, ok := r.entries.Get(identity); ok {
		if p.IsLocal == isLocal {
			r.lock.Unlock()
			return
		}
		p.IsLocal = isLocal
		r.lock.Unlock()
		r.notify()
		return
	}
	r.entries.Set(identity, &Participant{
		Identity:      identity,
		IsLocal:       isLocal,
		IsRoomCreator: isRoomCreator,
		Muted:         true,
	})
	r.lock.Unlock()
	r.notify()
}

// Update mutates one entry under the registry lock. fn reports whether
// it changed anything; a change triggers the snapshot notification.
// Returns false if the identity is not tracked.
func (r *Registry) Update(identity string, fn func(p *Participant) bool) bool {
	r.lock.Lock()
	p, ok := r.entries.Get(identity)
	if !ok {
		r.lock.Unlock()
		return false
	}
	changed := fn(p)
	r.lock.Unlock()
	if changed {
		r.notify()
	}
	return true
}

// UpdateLocal is Update applied to the local participant entry.
func (r *Registry) UpdateLocal(fn func(p *Participant) bool) bool {
	r.lock.Lock()
	var local *Participant
	for el := r.entries.Front(); el != nil; el = el.Next() {
		if el.Value.IsLocal {
			local = el.Value
			break
		}
	}
	if local == nil {
		r.lock.Unlock()
		return false
	}
	changed := fn(local)
	r.lock.Unlock()
	if changed {
		r.notify()
	}
	return true
}

// Remove drops a participant unconditionally.
func (r *Registry) Remove(identity string) bool {
	r.lock.Lock()
	ok := r.entries.Delete(identity)
	r.lock.Unlock()
	if ok {
		r.notify()
	}
	return ok
}

// Get returns a copy of the entry.
func (r *Registry) Get(identity string) (*Participant, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	p, ok := r.entries.Get(identity)
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Local returns a copy of the local participant entry.
func (r *Registry) Local() (*Participant, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for el := r.entries.Front(); el != nil; el = el.Next() {
		if el.Value.IsLocal {
			return el.Value.clone(), true
		}
	}
	return nil, false
}

// Snapshot returns copies of all entries in join order.
func (r *Registry) Snapshot() []*Participant {
	r.lock.RLock()
	defer r.lock.RUnlock()
	snapshot := make([]*Participant, 0, r.entries.Len())
	for el := r.entries.Front(); el != nil; el = el.Next() {
		snapshot = append(snapshot, el.Value.clone())
	}
	return snapshot
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.entries.Len()
}

func (r *Registry) Clear() {
	r.lock.Lock()
	wasEmpty := r.entries.Len() == 0
	r.entries = orderedmap.NewOrderedMap[string, *Participant]()
	r.lock.Unlock()
	if !wasEmpty {
		r.notify()
	}
}

// Restore seeds the registry from a previously taken snapshot, used to
// bridge a session swap so the UI never sees an empty roster.
func (r *Registry) Restore(snapshot []*Participant) {
	if len(snapshot) == 0 {
		return
	}
	r.lock.Lock()
	for _, p := range snapshot {
		if _, ok := r.entries.Get(p.Identity); !ok {
			r.entries.Set(p.Identity, p.clone())
		}
	}
	r.lock.Unlock()
	r.notify()
}
