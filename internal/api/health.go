package api

import "time"

type HealthResponse struct {
	SchemaVersion       string    `json:"schema_version"`
	GeneratedAt         time.Time `json:"generated_at"`
	Status              string    `json:"status"`
	BridgeHealth        string    `json:"bridge_health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	PendingTriggers     int       `json:"pending_triggers"`
}
