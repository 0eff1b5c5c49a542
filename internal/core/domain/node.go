package domain

import "time"

const (
	// NodeLivenessWindow is how recent a heartbeat must be for a node to count as available
	NodeLivenessWindow = time.Minute
	// StaleNodeAge is the heartbeat age after which a node record is garbage-collected
	StaleNodeAge = time.Hour
)

// Node represents a Fog Node that pulls work from the shared store
type Node struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	IPAddress           string    `json:"ip_address,omitempty"`
	HardwareFingerprint string    `json:"hardware_fingerprint,omitempty"`
	IsAvailable         bool      `json:"is_available"`
	LastHeartbeat       time.Time `json:"last_heartbeat"`
}

// IsAlive reports whether the node heartbeated within the window
func (n *Node) IsAlive(now time.Time, window time.Duration) bool {
	return n.IsAvailable && now.Sub(n.LastHeartbeat) < window
}

// IsStale reports whether the node missed heartbeats for longer than maxAge
func (n *Node) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(n.LastHeartbeat) > maxAge
}

// FingerprintConflicts is true when both nodes carry a fingerprint and they differ
func (n *Node) FingerprintConflicts(other *Node) bool {
	return n.HardwareFingerprint != "" && other.HardwareFingerprint != "" &&
		n.HardwareFingerprint != other.HardwareFingerprint
}
