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
	"errors"
	"fmt"

	"github.com/livekit/protocol/livekit"
)

var (
	ErrNotConnected        = errors.New("session is not connected")
	ErrOperationInProgress = errors.New("an identical operation is already pending")
	ErrConnectTimeout      = errors.New("timed out waiting for transport to connect")
	ErrSessionClosed       = errors.New("session has been closed")
	ErrReconnectFailed     = errors.New("reconnect attempts exhausted")
	ErrNoResumptionHint    = errors.New("no resumption hint available for this room")
)

type ConnectFailureReason string

const (
	ConnectFailureTimeout    ConnectFailureReason = "timeout"
	ConnectFailureCredential ConnectFailureReason = "credential_rejected"
	ConnectFailureTransport  ConnectFailureReason = "transport_error"
)

// ConnectError is returned by Connect and Reconnect with the failure
// classified for user messaging.
type ConnectError struct {
	Reason ConnectFailureReason
	cause  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("could not connect (%s): %v", e.Reason, e.cause)
}

func (e *ConnectError) Unwrap() error {
	return e.cause
}

// DisconnectedError reports a permanent, server-driven session ending.
type DisconnectedError struct {
	Reason livekit.DisconnectReason
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("session disconnected: %s", e.Reason.String())
}
