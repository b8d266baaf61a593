package loadbalancer

// New creates a balancer for the named strategy. Unknown strategies
// fall back to round robin.
func New(strategy string, backends []*Backend) Balancer {
	switch strategy {
	case "weighted_round_robin":
		return NewWeightedRoundRobin(backends)
	case "least_connections":
		return NewLeastConnections(backends)
	case "ip_hash":
		return NewIPHash(backends)
	case "random":
		return NewRandom(backends)
	default:
		return NewRoundRobin(backends)
	}
}
