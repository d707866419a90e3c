package models

import "time"

// ConnectorHealth is the one status row kept per exchange.
type ConnectorHealth struct {
	Exchange          string `gorm:"primaryKey;size:32"`
	State             string `gorm:"size:16"`
	SessionID         string `gorm:"size:36"`
	StartedAt         time.Time
	LastMessageAt     time.Time
	LastError         string
	ReconnectCount    int64
	RestartCount      int64
	ConsecutiveErrors int
	Stale             bool
	UpdatedAt         time.Time
}

func (ConnectorHealth) TableName() string { return "connector_health" }

// LastActivity is the later of the last successful acquisition and the
// start time, so a freshly started connector is not stale immediately.
func (h ConnectorHealth) LastActivity() time.Time {
	if h.LastMessageAt.After(h.StartedAt) {
		return h.LastMessageAt
	}
	return h.StartedAt
}
