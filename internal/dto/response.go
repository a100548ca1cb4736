package dto

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Decoder   string `json:"decoder"`
}

// ServiceInfo is served at the root path
type ServiceInfo struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// StatsResponse reports live sessions and lifecycle delivery counters
type StatsResponse struct {
	LiveSessions int        `json:"live_sessions"`
	MaxSessions  int        `json:"max_sessions"`
	Events       EventStats `json:"events"`
}

// EventStats mirrors the dispatcher counters
type EventStats struct {
	Publishers  int    `json:"publishers"`
	QueueLength int    `json:"queue_length"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Dropped     uint64 `json:"dropped"`
}
