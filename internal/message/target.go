package message

// Target names the visitor-side destination an admin-channel message is
// threaded to: one specific session, or every registered session.
type Target struct {
	sessionID string
	broadcast bool
}

func Direct(sessionID string) Target {
	return Target{sessionID: sessionID}
}

func Broadcast() Target {
	return Target{broadcast: true}
}

func (t Target) IsBroadcast() bool {
	return t.broadcast
}

// SessionID returns the addressed session and false for broadcast targets.
func (t Target) SessionID() (string, bool) {
	if t.broadcast {
		return "", false
	}
	return t.sessionID, true
}

func (t Target) String() string {
	if t.broadcast {
		return "broadcast"
	}
	return t.sessionID
}
