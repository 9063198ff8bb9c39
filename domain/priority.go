package domain

// Priority orders delivery. Lower value means delivered first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Evictable reports whether a queued message of this priority may be
// dropped to make room for a newer one. Critical and high never are.
func (p Priority) Evictable() bool {
	return p == PriorityNormal || p == PriorityLow
}
