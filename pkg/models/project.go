package models

import "time"

// Project owns tasks by foreign key. Projects are never deleted implicitly.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// NodeOnlineWindow is how recently a node must have been seen to count as
// online.
const NodeOnlineWindow = 5 * time.Minute

// Node is an agent registration.
type Node struct {
	ID           string    `json:"nodeId"`
	ProjectID    string    `json:"projectId"`
	NodeType     string    `json:"nodeType"`
	DisplayName  string    `json:"displayName,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`

	// IsOnline is derived from LastSeen at read time; it is never stored.
	IsOnline bool `json:"isOnline"`
}

// Online reports whether the node was seen within the online window.
func (n *Node) Online(now time.Time) bool {
	return now.Sub(n.LastSeen) <= NodeOnlineWindow
}
