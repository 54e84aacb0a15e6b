package state

import "advancechat-sync/internal/model"

func (s State) matchesCall(callID string) bool {
	return callID == "" || s.Call.CallID == "" || s.Call.CallID == callID
}

// RingIncoming installs an incoming call. Only one call may be in flight,
// so it fails unless the current call is idle.
func (s State) RingIncoming(c model.Call) (State, bool) {
	if s.Call.State != model.CallIdle && s.Call.State != "" {
		return s, false
	}
	c.State = model.CallRinging
	c.Outgoing = false
	s.Call = c
	return s, true
}

func (s State) RingOutgoing(c model.Call) (State, bool) {
	if s.Call.State != model.CallIdle && s.Call.State != "" {
		return s, false
	}
	c.State = model.CallRinging
	c.Outgoing = true
	s.Call = c
	return s, true
}

func (s State) AcceptCall(callID string) (State, bool) {
	if s.Call.State != model.CallRinging || !s.matchesCall(callID) {
		return s, false
	}
	if s.Call.CallID == "" {
		// outgoing calls learn their id from the callee's answer
		s.Call.CallID = callID
	}
	s.Call.State = model.CallActive
	return s, true
}

func (s State) RejectCall(callID string) (State, bool) {
	if s.Call.State != model.CallRinging || !s.matchesCall(callID) {
		return s, false
	}
	s.Call = model.Call{State: model.CallIdle}
	return s, true
}

func (s State) EndCall(callID string) (State, bool) {
	if s.Call.State == model.CallIdle || s.Call.State == "" || !s.matchesCall(callID) {
		return s, false
	}
	s.Call = model.Call{State: model.CallIdle}
	return s, true
}
