package models

// MinuteBucket is the number of events created within one minute.
type MinuteBucket struct {
	Minute string `json:"minute"` // 2006-01-02 15:04:00, UTC
	Count  int    `json:"count"`
}

// TypeCount is one row of the per table, per type event totals.
type TypeCount struct {
	Table string `db:"table_name"`
	Type  string `db:"type"`
	Total int    `db:"total"`
}

// StatsSnapshot is the derived view returned by GET /stats.
type StatsSnapshot struct {
	Counts          map[string]map[string]int `json:"counts"`
	EventsPerMinute []MinuteBucket            `json:"events_per_minute"`
	RPM             int                       `json:"rpm"`
}
