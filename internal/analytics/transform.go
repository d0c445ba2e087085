package analytics

import (
	"sort"
	"time"
)

type dailyKey struct {
	userID int64
	date   time.Time
}

type dailyAcc struct {
	username      *string
	actions       int64
	resourceTypes map[string]struct{}
	ipAddresses   map[string]struct{}
}

type hourlyKey struct {
	userID int64
	hour   int
}

// Transform aggregates raw events into per-day user statistics and per-hour
// activity counts. It performs no I/O and its output order is deterministic.
//
// Events are grouped by user and day only. The username of a group is the
// smallest non-nil username among its events, and stays nil when the user has
// no matching identity.
func Transform(events []RawActivityEvent) ([]DailyUserStat, []HourlyUserPattern) {
	daily := make(map[dailyKey]*dailyAcc)
	hourly := make(map[hourlyKey]int64)

	for _, e := range events {
		k := dailyKey{userID: e.UserID, date: Day(e.CreatedAt)}

		acc, ok := daily[k]
		if !ok {
			acc = &dailyAcc{
				resourceTypes: make(map[string]struct{}),
				ipAddresses:   make(map[string]struct{}),
			}
			daily[k] = acc
		}
		if e.Username != nil && (acc.username == nil || *e.Username < *acc.username) {
			acc.username = e.Username
		}
		acc.actions++
		acc.resourceTypes[e.ResourceType] = struct{}{}
		acc.ipAddresses[e.IPAddress] = struct{}{}

		hourly[hourlyKey{userID: e.UserID, hour: e.CreatedAt.UTC().Hour()}]++
	}

	stats := make([]DailyUserStat, 0, len(daily))
	for k, acc := range daily {
		types := int64(len(acc.resourceTypes))
		ips := int64(len(acc.ipAddresses))
		stats = append(stats, DailyUserStat{
			UserID:              k.userID,
			Username:            acc.username,
			ActivityDate:        k.date,
			TotalActions:        acc.actions,
			UniqueResourceTypes: types,
			UniqueIPAddresses:   ips,
			EngagementScore:     EngagementScore(acc.actions, types, ips),
			ActivityLevel:       Classify(acc.actions),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if !a.ActivityDate.Equal(b.ActivityDate) {
			return a.ActivityDate.Before(b.ActivityDate)
		}
		return a.UserID < b.UserID
	})

	patterns := make([]HourlyUserPattern, 0, len(hourly))
	for k, n := range hourly {
		patterns = append(patterns, HourlyUserPattern{UserID: k.userID, Hour: k.hour, HourlyCount: n})
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].UserID != patterns[j].UserID {
			return patterns[i].UserID < patterns[j].UserID
		}
		return patterns[i].Hour < patterns[j].Hour
	})

	return stats, patterns
}
