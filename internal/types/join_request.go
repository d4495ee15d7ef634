package types

import "time"

// JoinRequestStatus tracks a pending join request on the leader.
type JoinRequestStatus string

const (
	JoinPending  JoinRequestStatus = "pending"
	JoinApproved JoinRequestStatus = "approved"
	JoinRejected JoinRequestStatus = "rejected"
)

// JoinRequest is leader-local state for a node asking to join the
// cluster. The request record itself is not replicated; the node_join
// entry it triggers and its resolution (node_approve / node_reject) are.
type JoinRequest struct {
	NodeID      string            `json:"node_id"`
	Address     string            `json:"address"`
	Tags        map[string]bool   `json:"tags,omitempty"`
	Ephemeral   bool              `json:"ephemeral"`
	Token       string            `json:"token,omitempty"`
	Status      JoinRequestStatus `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
}
