package timezone

import (
	"fmt"
	"sort"
	"time"
)

var presets = map[string][2]Rule{
	"aus-eastern": {
		{Name: "AEDT", Week: First, Weekday: time.Sunday, Month: time.October, Hour: 2, Offset: 660},
		{Name: "AEST", Week: First, Weekday: time.Sunday, Month: time.April, Hour: 3, Offset: 600},
	},
	"central-europe": {
		{Name: "CEST", Week: Last, Weekday: time.Sunday, Month: time.March, Hour: 2, Offset: 120},
		{Name: "CET", Week: Last, Weekday: time.Sunday, Month: time.October, Hour: 3, Offset: 60},
	},
	"uk": {
		{Name: "BST", Week: Last, Weekday: time.Sunday, Month: time.March, Hour: 1, Offset: 60},
		{Name: "GMT", Week: Last, Weekday: time.Sunday, Month: time.October, Hour: 2, Offset: 0},
	},
	"us-eastern": {
		{Name: "EDT", Week: Second, Weekday: time.Sunday, Month: time.March, Hour: 2, Offset: -240},
		{Name: "EST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -300},
	},
	"us-central": {
		{Name: "CDT", Week: Second, Weekday: time.Sunday, Month: time.March, Hour: 2, Offset: -300},
		{Name: "CST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -360},
	},
	"us-mountain": {
		{Name: "MDT", Week: Second, Weekday: time.Sunday, Month: time.March, Hour: 2, Offset: -360},
		{Name: "MST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -420},
	},
	"us-arizona": {
		{Name: "MST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -420},
		{Name: "MST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -420},
	},
	"us-pacific": {
		{Name: "PDT", Week: Second, Weekday: time.Sunday, Month: time.March, Hour: 2, Offset: -420},
		{Name: "PST", Week: First, Weekday: time.Sunday, Month: time.November, Hour: 2, Offset: -480},
	},
	"utc": {
		{Name: "UTC", Week: First, Weekday: time.Sunday, Month: time.January},
		{Name: "UTC", Week: First, Weekday: time.Sunday, Month: time.January},
	},
}

// Lookup returns a new policy for a named zone.
func Lookup(name string) (*Policy, error) {
	r, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown time zone %q; known zones: %v", name, Names())
	}
	return NewPolicy(r[0], r[1]), nil
}

// Names lists the zones known to Lookup.
func Names() []string {
	result := make([]string, 0, len(presets))
	for name := range presets {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
