package dto

import (
	"time"

	"github.com/harplog/harp/action"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Breaker  string `json:"breaker"`
}

type StatsResponse struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	PendingBatch      int    `json:"pending_batch"`
	ActiveConnections int    `json:"active_connections"`
	Committed         int64  `json:"committed"`
	Breaker           string `json:"breaker"`
}

type ActionResponse struct {
	UniqueID  uint32    `json:"unique_id"`
	IPAddress string    `json:"ip_address"`
	Kind      string    `json:"kind"`
	Detail    any       `json:"detail"`
	Created   time.Time `json:"created"`
}

func NewActionResponse(a action.Action) ActionResponse {
	r := ActionResponse{
		UniqueID:  a.ID,
		IPAddress: a.Addr.String(),
		Kind:      a.Kind,
		Created:   a.Created,
	}
	if a.HasDetail() {
		r.Detail = a.Detail
	}
	return r
}

type KindCountResponse struct {
	Kind  string `json:"kind"`
	Count int64  `json:"count"`
}
