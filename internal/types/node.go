package types

import "time"

// NodeRole describes a node's position in the Raft cluster.
type NodeRole string

const (
	RoleLeader    NodeRole = "leader"
	RoleFollower  NodeRole = "follower"
	RoleCandidate NodeRole = "candidate"
	RoleWorker    NodeRole = "worker"
)

// NodeStatus describes a node's membership lifecycle state.
type NodeStatus string

const (
	NodeStatusPendingApproval NodeStatus = "pending_approval"
	NodeStatusActive          NodeStatus = "active"
	NodeStatusDraining        NodeStatus = "draining"
	NodeStatusOffline         NodeStatus = "offline"
)

// GPU describes a single GPU resource advertised by a node.
type GPU struct {
	ID        string `json:"id"`
	Available bool   `json:"available"`
}

// ResourceSnapshot is a node's resource state, normalized to bytes at
// ingress. No other package is allowed to parse Mi/Gi-style strings;
// NormalizeResources is the single conversion point.
type ResourceSnapshot struct {
	CPUCores          int     `json:"cpu_cores"`
	CPUUsagePercent   float64 `json:"cpu_usage_percent"`
	MemoryTotalBytes  int64   `json:"memory_total_bytes"`
	MemoryAvailBytes  int64   `json:"memory_avail_bytes"`
	DiskTotalBytes    int64   `json:"disk_total_bytes"`
	DiskAvailBytes    int64   `json:"disk_avail_bytes"`
	GPUs              []GPU   `json:"gpus,omitempty"`
	GamingDetected    bool    `json:"gaming_detected"`
}

// Node is a member of the cluster mesh.
type Node struct {
	ID        string           `json:"id"`
	Address   string           `json:"address"`
	Role      NodeRole         `json:"role"`
	Status    NodeStatus       `json:"status"`
	Tags      map[string]bool  `json:"tags,omitempty"`
	Ephemeral bool             `json:"ephemeral"`
	Resources ResourceSnapshot `json:"resources"`
	JoinedAt  time.Time        `json:"joined_at"`
	LastSeen  time.Time        `json:"last_seen"`
}

// HasTag reports whether the node carries the given tag.
func (n *Node) HasTag(tag string) bool {
	if n.Tags == nil {
		return false
	}
	return n.Tags[tag]
}

// RawResourceInput is the wire shape accepted from worker heartbeats,
// where memory/disk may arrive as human strings ("512Mi", "2Gi") or as
// plain byte counts.
type RawResourceInput struct {
	CPUCores        int     `json:"cpu_cores"`
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemoryTotal     string  `json:"memory_total"`
	MemoryAvail     string  `json:"memory_avail"`
	DiskTotal       string  `json:"disk_total"`
	DiskAvail       string  `json:"disk_avail"`
	GPUs            []GPU   `json:"gpus,omitempty"`
	GamingDetected  bool    `json:"gaming_detected"`
}

// NormalizeResources converts a raw, possibly-string-encoded resource
// report into a ResourceSnapshot with everything in bytes. It is the
// only place in the codebase that parses unit-suffixed quantities.
func NormalizeResources(raw RawResourceInput) (ResourceSnapshot, error) {
	memTotal, err := parseQuantity(raw.MemoryTotal)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	memAvail, err := parseQuantity(raw.MemoryAvail)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	diskTotal, err := parseQuantity(raw.DiskTotal)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	diskAvail, err := parseQuantity(raw.DiskAvail)
	if err != nil {
		return ResourceSnapshot{}, err
	}
	return ResourceSnapshot{
		CPUCores:         raw.CPUCores,
		CPUUsagePercent:  raw.CPUUsagePercent,
		MemoryTotalBytes: memTotal,
		MemoryAvailBytes: memAvail,
		DiskTotalBytes:   diskTotal,
		DiskAvailBytes:   diskAvail,
		GPUs:             raw.GPUs,
		GamingDetected:   raw.GamingDetected,
	}, nil
}
