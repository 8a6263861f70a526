package models

import "time"

// EngineStatus is a read-only view of the scanner for operator surfaces
type EngineStatus struct {
	State               string        `json:"state"`
	Source              string        `json:"source"`
	Symbols             int           `json:"symbols"`
	CatalogFetchedAt    time.Time     `json:"catalog_fetched_at"`
	TrackedHistories    int           `json:"tracked_histories"`
	Cycles              int64         `json:"cycles"`
	LastCycleStart      time.Time     `json:"last_cycle_start"`
	LastCycleDuration   time.Duration `json:"last_cycle_duration"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AlertsSent          int64         `json:"alerts_sent"`
}
