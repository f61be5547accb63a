package scheduling

import (
	"sort"
	"strings"
	"time"
)

const (
	maxSpokenDates        = 3
	maxSpokenTimesPerDate = 4
)

// FormatAvailableTimes renders slots as a short spoken-friendly summary for
// the reasoning model to relay. Slots are grouped per calendar day in the
// given location, trimmed to at most three days and four times per day so the
// agent never reads out a wall of options.
func FormatAvailableTimes(slots []Slot, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	if len(slots) == 0 {
		return "No available times found for the requested date range."
	}

	byDate := make(map[string][]time.Time)
	var order []string
	for _, s := range slots {
		local := s.Start.In(loc)
		key := local.Format("2006-01-02")
		if _, seen := byDate[key]; !seen {
			order = append(order, key)
		}
		byDate[key] = append(byDate[key], local)
	}
	sort.Strings(order)
	if len(order) > maxSpokenDates {
		order = order[:maxSpokenDates]
	}

	var lines []string
	for _, key := range order {
		times := byDate[key]
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		if len(times) > maxSpokenTimesPerDate {
			times = times[:maxSpokenTimesPerDate]
		}
		spoken := make([]string, len(times))
		for i, t := range times {
			spoken[i] = spokenTime(t)
		}
		day := times[0].Format("Monday, January 2")
		lines = append(lines, "On "+day+", I have "+joinSpoken(spoken)+".")
	}

	summary := strings.Join(lines, " ")
	if len(order) == 1 {
		return summary + " Would any of those work for you?"
	}
	return summary + " Which works best for you?"
}

func spokenTime(t time.Time) string {
	if t.Minute() == 0 {
		return t.Format("3 PM")
	}
	return t.Format("3:04 PM")
}

func joinSpoken(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
