package compute

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/tidwall/gjson"

	"github.com/ternarybob/moyuren/internal/common"
	"github.com/ternarybob/moyuren/internal/models"
)

var weekdayCN = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// Computer derives the day detail from a collected content bundle.
// It holds no state between calls.
type Computer struct {
	calendar   *common.Calendar
	countdowns []string // Sources whose payload is a list of dated events
	logger     arbor.ILogger
}

// NewComputer creates a computer for the configured countdown sources
func NewComputer(config *common.Config, calendar *common.Calendar, logger arbor.ILogger) *Computer {
	var countdowns []string
	for _, s := range config.Sources {
		if s.Countdown {
			countdowns = append(countdowns, s.Name)
		}
	}
	return &Computer{
		calendar:   calendar,
		countdowns: countdowns,
		logger:     logger,
	}
}

// Detail computes weekday flags, the weekend countdown and event countdowns
// relative to the bundle's date, not the wall clock
func (c *Computer) Detail(bundle *models.ContentBundle) (*models.DayDetail, error) {
	weekday, err := c.calendar.Weekday(bundle.Date)
	if err != nil {
		return nil, err
	}

	detail := &models.DayDetail{
		Weekday:         weekday.String(),
		WeekdayCN:       weekdayCN[weekday],
		IsWeekend:       weekday == time.Saturday || weekday == time.Sunday,
		IsCrazyThursday: weekday == time.Thursday,
		Countdowns:      []models.Countdown{},
		Sources:         bundle.Statuses(),
		Content:         make(map[string]json.RawMessage, len(bundle.Sources)),
	}
	if !detail.IsWeekend {
		detail.WeekendDaysLeft = int(time.Saturday - weekday)
	}

	for name, payload := range bundle.Payloads() {
		raw, err := rawPayload(payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", name).Msg("Source payload left out of day detail")
			continue
		}
		detail.Content[name] = raw
	}

	for _, name := range c.countdowns {
		raw, ok := detail.Content[name]
		if !ok {
			continue
		}
		detail.Countdowns = append(detail.Countdowns, c.parseCountdowns(bundle.Date, raw)...)
	}
	sort.SliceStable(detail.Countdowns, func(i, j int) bool {
		a, b := detail.Countdowns[i], detail.Countdowns[j]
		if a.DaysLeft != b.DaysLeft {
			return a.DaysLeft < b.DaysLeft
		}
		return a.Name < b.Name
	})

	return detail, nil
}

// parseCountdowns accepts an array of events or a single event object.
// An event needs a name plus either a date or a days_left; past events are dropped.
func (c *Computer) parseCountdowns(date string, raw json.RawMessage) []models.Countdown {
	parsed := gjson.ParseBytes(raw)

	var items []gjson.Result
	switch {
	case parsed.IsArray():
		items = parsed.Array()
	case parsed.IsObject():
		items = []gjson.Result{parsed}
	default:
		return nil
	}

	var out []models.Countdown
	for _, item := range items {
		name := item.Get("name").String()
		if name == "" {
			continue
		}

		event := item.Get("date")
		if !event.Exists() {
			event = item.Get("start_date")
		}

		switch {
		case event.Exists():
			days, err := c.calendar.DaysBetween(date, event.String())
			if err != nil || days < 0 {
				continue
			}
			out = append(out, models.Countdown{Name: name, Date: event.String(), DaysLeft: days})
		case item.Get("days_left").Exists():
			days := int(item.Get("days_left").Int())
			if days < 0 {
				continue
			}
			out = append(out, models.Countdown{Name: name, DaysLeft: days})
		}
	}
	return out
}

func rawPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
