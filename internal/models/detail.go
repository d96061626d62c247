package models

import "encoding/json"

// DayDetail is the structured data derived for a business day alongside the
// image: weekday flags, countdowns and the source content the image was
// rendered from. It is immutable once attached to an Artifact.
type DayDetail struct {
	Weekday         string                     `json:"weekday"`    // "Thursday"
	WeekdayCN       string                     `json:"weekday_cn"` // "星期四"
	IsWeekend       bool                       `json:"is_weekend"`
	WeekendDaysLeft int                        `json:"weekend_days_left"` // 0 on Saturday and Sunday
	IsCrazyThursday bool                       `json:"is_crazy_thursday"`
	Countdowns      []Countdown                `json:"countdowns"`
	Sources         map[string]SourceStatus    `json:"sources"`
	Content         map[string]json.RawMessage `json:"content,omitempty"`
}

// Countdown is one upcoming dated event, typically a holiday
type Countdown struct {
	Name     string `json:"name"`
	Date     string `json:"date,omitempty"`
	DaysLeft int    `json:"days_left"`
}
