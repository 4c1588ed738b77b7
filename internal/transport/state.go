// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatRelay Contributors

package transport

// State tracks a connection through its lifecycle. Both CONNECTING and
// ONLINE permit message exchange; privileged operations require ONLINE.
type State uint8

const (
	StateStopped State = iota
	StateConnecting
	StateOnline
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
