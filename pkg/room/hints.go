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
	lru "github.com/hashicorp/golang-lru/v2"
)

const hintCacheSize = 16

// resumptionHint is a best-effort memory of how a room was joined,
// used to recreate the session when the transport has no resume path.
type resumptionHint struct {
	URL      string
	Token    string
	Identity string
	Creator  bool
}

type hintCache struct {
	cache *lru.Cache[string, resumptionHint]
}

func newHintCache() *hintCache {
	cache, _ := lru.New[string, resumptionHint](hintCacheSize)
	return &hintCache{cache: cache}
}

func (h *hintCache) Put(roomName string, hint resumptionHint) {
	h.cache.Add(roomName, hint)
}

func (h *hintCache) Get(roomName string) (resumptionHint, bool) {
	return h.cache.Get(roomName)
}

func (h *hintCache) Forget(roomName string) {
	h.cache.Remove(roomName)
}
