// SPDX-FileCopyrightText: Copyright (C) 2026 The Veil Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import "fmt"

// HistoryDepth is the number of statuses retained by a Status chain,
// including the head.
const HistoryDepth = 8

// State is a connection state.
type State int

// Connection states.
const (
	NotConnected State = iota
	Connecting
	Connected
	Authenticating
	Authenticated
	Disconnected
	Error
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Disconnected:
		return "Disconnected"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("[Unknown state: %d]", int(s))
	}
}

// Status is an immutable connection status together with the statuses that
// preceded it, most recent first.
type Status struct {
	State    State
	Previous *Status
	Err      error
}

func (s *Status) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%v (%v)", s.State, s.Err)
	}
	return s.State.String()
}

// Depth returns the length of the chain starting at s.
func (s *Status) Depth() int {
	n := 0
	for ; s != nil; s = s.Previous {
		n++
	}
	return n
}

// History returns the states of the chain, most recent first.
func (s *Status) History() []State {
	var states []State
	for ; s != nil; s = s.Previous {
		states = append(states, s.State)
	}
	return states
}

// next returns the status following s, truncating the chain to
// HistoryDepth.  s itself is never modified.
func (s *Status) next(state State, err error) *Status {
	return &Status{
		State:    state,
		Previous: s.truncate(HistoryDepth - 1),
		Err:      err,
	}
}

func (s *Status) truncate(n int) *Status {
	if s == nil || n <= 0 {
		return nil
	}
	if s.Depth() <= n {
		return s
	}
	return &Status{
		State:    s.State,
		Previous: s.Previous.truncate(n - 1),
		Err:      s.Err,
	}
}
