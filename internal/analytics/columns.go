package analytics

import (
	"errors"
	"fmt"
	"time"
)

// Staged datasets are stored column by column so a reader can check the schema
// (every column present, every column the same length) before touching any row.

var ErrMalformedDataset = errors.New("malformed dataset")

type (
	EventColumns struct {
		UserID       []int64     `json:"user_id"`
		Username     []*string   `json:"username"`
		Email        []*string   `json:"email"`
		Action       []string    `json:"action"`
		ResourceType []string    `json:"resource_type"`
		ResourceID   []string    `json:"resource_id"`
		IPAddress    []string    `json:"ip_address"`
		CreatedAt    []time.Time `json:"created_at"`
	}

	DailyColumns struct {
		UserID              []int64         `json:"user_id"`
		Username            []*string       `json:"username"`
		ActivityDate        []time.Time     `json:"activity_date"`
		TotalActions        []int64         `json:"total_actions"`
		UniqueResourceTypes []int64         `json:"unique_resource_types"`
		UniqueIPAddresses   []int64         `json:"unique_ip_addresses"`
		EngagementScore     []float64       `json:"engagement_score"`
		ActivityLevel       []ActivityLevel `json:"activity_level"`
	}

	HourlyColumns struct {
		UserID      []int64 `json:"user_id"`
		Hour        []int   `json:"hour"`
		HourlyCount []int64 `json:"hourly_count"`
	}
)

func NewEventColumns(events []RawActivityEvent) EventColumns {
	n := len(events)
	c := EventColumns{
		UserID:       make([]int64, 0, n),
		Username:     make([]*string, 0, n),
		Email:        make([]*string, 0, n),
		Action:       make([]string, 0, n),
		ResourceType: make([]string, 0, n),
		ResourceID:   make([]string, 0, n),
		IPAddress:    make([]string, 0, n),
		CreatedAt:    make([]time.Time, 0, n),
	}
	for _, e := range events {
		c.UserID = append(c.UserID, e.UserID)
		c.Username = append(c.Username, e.Username)
		c.Email = append(c.Email, e.Email)
		c.Action = append(c.Action, e.Action)
		c.ResourceType = append(c.ResourceType, e.ResourceType)
		c.ResourceID = append(c.ResourceID, e.ResourceID)
		c.IPAddress = append(c.IPAddress, e.IPAddress)
		c.CreatedAt = append(c.CreatedAt, e.CreatedAt)
	}
	return c
}

func (c EventColumns) Rows() ([]RawActivityEvent, error) {
	n := len(c.UserID)
	if err := sameLength(n, map[string]int{
		"username":      len(c.Username),
		"email":         len(c.Email),
		"action":        len(c.Action),
		"resource_type": len(c.ResourceType),
		"resource_id":   len(c.ResourceID),
		"ip_address":    len(c.IPAddress),
		"created_at":    len(c.CreatedAt),
	}); err != nil {
		return nil, err
	}

	events := make([]RawActivityEvent, n)
	for i := range n {
		events[i] = RawActivityEvent{
			UserID:       c.UserID[i],
			Username:     c.Username[i],
			Email:        c.Email[i],
			Action:       c.Action[i],
			ResourceType: c.ResourceType[i],
			ResourceID:   c.ResourceID[i],
			IPAddress:    c.IPAddress[i],
			CreatedAt:    c.CreatedAt[i],
		}
	}
	return events, nil
}

func NewDailyColumns(stats []DailyUserStat) DailyColumns {
	n := len(stats)
	c := DailyColumns{
		UserID:              make([]int64, 0, n),
		Username:            make([]*string, 0, n),
		ActivityDate:        make([]time.Time, 0, n),
		TotalActions:        make([]int64, 0, n),
		UniqueResourceTypes: make([]int64, 0, n),
		UniqueIPAddresses:   make([]int64, 0, n),
		EngagementScore:     make([]float64, 0, n),
		ActivityLevel:       make([]ActivityLevel, 0, n),
	}
	for _, s := range stats {
		c.UserID = append(c.UserID, s.UserID)
		c.Username = append(c.Username, s.Username)
		c.ActivityDate = append(c.ActivityDate, s.ActivityDate)
		c.TotalActions = append(c.TotalActions, s.TotalActions)
		c.UniqueResourceTypes = append(c.UniqueResourceTypes, s.UniqueResourceTypes)
		c.UniqueIPAddresses = append(c.UniqueIPAddresses, s.UniqueIPAddresses)
		c.EngagementScore = append(c.EngagementScore, s.EngagementScore)
		c.ActivityLevel = append(c.ActivityLevel, s.ActivityLevel)
	}
	return c
}

func (c DailyColumns) Rows() ([]DailyUserStat, error) {
	n := len(c.UserID)
	if err := sameLength(n, map[string]int{
		"username":              len(c.Username),
		"activity_date":         len(c.ActivityDate),
		"total_actions":         len(c.TotalActions),
		"unique_resource_types": len(c.UniqueResourceTypes),
		"unique_ip_addresses":   len(c.UniqueIPAddresses),
		"engagement_score":      len(c.EngagementScore),
		"activity_level":        len(c.ActivityLevel),
	}); err != nil {
		return nil, err
	}

	stats := make([]DailyUserStat, n)
	for i := range n {
		stats[i] = DailyUserStat{
			UserID:              c.UserID[i],
			Username:            c.Username[i],
			ActivityDate:        c.ActivityDate[i],
			TotalActions:        c.TotalActions[i],
			UniqueResourceTypes: c.UniqueResourceTypes[i],
			UniqueIPAddresses:   c.UniqueIPAddresses[i],
			EngagementScore:     c.EngagementScore[i],
			ActivityLevel:       c.ActivityLevel[i],
		}
	}
	return stats, nil
}

func NewHourlyColumns(patterns []HourlyUserPattern) HourlyColumns {
	n := len(patterns)
	c := HourlyColumns{
		UserID:      make([]int64, 0, n),
		Hour:        make([]int, 0, n),
		HourlyCount: make([]int64, 0, n),
	}
	for _, p := range patterns {
		c.UserID = append(c.UserID, p.UserID)
		c.Hour = append(c.Hour, p.Hour)
		c.HourlyCount = append(c.HourlyCount, p.HourlyCount)
	}
	return c
}

func (c HourlyColumns) Rows() ([]HourlyUserPattern, error) {
	n := len(c.UserID)
	if err := sameLength(n, map[string]int{
		"hour":         len(c.Hour),
		"hourly_count": len(c.HourlyCount),
	}); err != nil {
		return nil, err
	}

	patterns := make([]HourlyUserPattern, n)
	for i := range n {
		if c.Hour[i] < 0 || c.Hour[i] > 23 {
			return nil, fmt.Errorf("%w: hour %d out of range at row %d", ErrMalformedDataset, c.Hour[i], i)
		}
		patterns[i] = HourlyUserPattern{UserID: c.UserID[i], Hour: c.Hour[i], HourlyCount: c.HourlyCount[i]}
	}
	return patterns, nil
}

func sameLength(want int, columns map[string]int) error {
	for name, got := range columns {
		if got != want {
			return fmt.Errorf("%w: column %s has %d rows, want %d", ErrMalformedDataset, name, got, want)
		}
	}
	return nil
}
