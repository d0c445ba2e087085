// Package analytics defines the user-activity domain model: raw events as they are
// extracted, and the two fact datasets derived from them.
package analytics

import "time"

type (
	ActivityLevel string

	RawActivityEvent struct {
		UserID       int64     `json:"user_id"`
		Username     *string   `json:"username"`
		Email        *string   `json:"email"`
		Action       string    `json:"action"`
		ResourceType string    `json:"resource_type"`
		ResourceID   string    `json:"resource_id"`
		IPAddress    string    `json:"ip_address"`
		CreatedAt    time.Time `json:"created_at"`
	}

	DailyUserStat struct {
		UserID              int64         `json:"user_id"`
		Username            *string       `json:"username"`
		ActivityDate        time.Time     `json:"activity_date"`
		TotalActions        int64         `json:"total_actions"`
		UniqueResourceTypes int64         `json:"unique_resource_types"`
		UniqueIPAddresses   int64         `json:"unique_ip_addresses"`
		EngagementScore     float64       `json:"engagement_score"`
		ActivityLevel       ActivityLevel `json:"activity_level"`
	}

	HourlyUserPattern struct {
		UserID      int64 `json:"user_id"`
		Hour        int   `json:"hour"`
		HourlyCount int64 `json:"hourly_count"`
	}
)

const (
	LevelUnclassified ActivityLevel = "unclassified"
	LevelLow          ActivityLevel = "low"
	LevelMedium       ActivityLevel = "medium"
	LevelHigh         ActivityLevel = "high"
	LevelVeryHigh     ActivityLevel = "very_high"
)

const DateLayout = "2006-01-02"

// EngagementScore weights raw volume over breadth of activity. Not rounded.
func EngagementScore(totalActions, uniqueResourceTypes, uniqueIPAddresses int64) float64 {
	return float64(totalActions)*0.6 + float64(uniqueResourceTypes)*0.3 + float64(uniqueIPAddresses)*0.1
}

// Classify buckets a daily action count into intervals open below and closed above.
// Zero and negative counts fall outside every bucket and are reported as unclassified.
func Classify(totalActions int64) ActivityLevel {
	switch {
	case totalActions <= 0:
		return LevelUnclassified
	case totalActions <= 5:
		return LevelLow
	case totalActions <= 20:
		return LevelMedium
	case totalActions <= 50:
		return LevelHigh
	default:
		return LevelVeryHigh
	}
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD logical date.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
