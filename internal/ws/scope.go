package ws

import "chat-relay/internal/models"

// Scope is a broadcast destination. It is comparable and used directly as a map key.
type Scope struct {
	Kind models.ScopeKind
	ID   string
}

// GlobalScope is joined implicitly by every authenticated connection.
var GlobalScope = Scope{Kind: models.ScopeGlobal}

func GroupScope(groupID string) Scope {
	return Scope{Kind: models.ScopeGroup, ID: groupID}
}

func PeerScope(userID string) Scope {
	return Scope{Kind: models.ScopePeer, ID: userID}
}

func (s Scope) String() string {
	if s.Kind == models.ScopeGlobal {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}
