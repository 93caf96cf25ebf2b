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

// IsPermanentDisconnect classifies a disconnect reason. Permanent
// disconnects terminate the session and clear local media state;
// anything else is treated as a transient outage whose participant and
// track state must be preserved through reconnection.
func IsPermanentDisconnect(reason livekit.DisconnectReason) bool {
	switch reason {
	case livekit.DisconnectReason_CLIENT_INITIATED,
		livekit.DisconnectReason_DUPLICATE_IDENTITY,
		livekit.DisconnectReason_SERVER_SHUTDOWN,
		livekit.DisconnectReason_PARTICIPANT_REMOVED,
		livekit.DisconnectReason_ROOM_DELETED,
		livekit.DisconnectReason_JOIN_FAILURE:
		return true
	default:
		// UNKNOWN_REASON and STATE_MISMATCH cover network blips and
		// server-initiated renegotiation
		return false
	}
}
