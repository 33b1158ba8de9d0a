package timezone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/jrockway/nixie-clock/calendar"
)

// UserAgent is sent with every lookup request.
const UserAgent = "NixieTap"

const (
	DefaultTimeZoneURL = "https://maps.googleapis.com/maps/api/timezone/json"
	DefaultGeoIPURL    = "http://freegeoip.net/json/"
)

// ErrNoLocation is returned by resolvers that need a location when none is available.
var ErrNoLocation = errors.New("no location to resolve a time zone for")

// Offset is a resolved offset from UTC.
type Offset struct {
	Minutes  int
	Daylight bool
	Name     string
}

// Resolver determines the UTC offset in force at an instant.  The hint is resolver-specific; for
// location-based resolvers it is a "lat,lng" pair.
type Resolver interface {
	ResolveOffset(ctx context.Context, utc calendar.Instant, hint string) (Offset, error)
}

// RuleResolver resolves offsets from a rule policy.
type RuleResolver struct {
	Policy *Policy
}

func (r *RuleResolver) ResolveOffset(ctx context.Context, utc calendar.Instant, hint string) (Offset, error) {
	rule := r.Policy.Active(utc)
	return Offset{Minutes: rule.Offset, Daylight: r.Policy.IsDaylight(utc), Name: rule.Name}, nil
}

// FixedResolver always returns the same offset.
type FixedResolver struct {
	Offset Offset
}

func (r *FixedResolver) ResolveOffset(ctx context.Context, utc calendar.Instant, hint string) (Offset, error) {
	return r.Offset, nil
}

func get(ctx context.Context, client *http.Client, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("get: unexpected status %s", res.Status)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CoordinateResolver asks the Google Time Zone API for the offset at a "lat,lng" location.
type CoordinateResolver struct {
	BaseURL string // DefaultTimeZoneURL if empty
	Key     string
	Client  *http.Client
}

type timeZoneReply struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
	RawOffset    int    `json:"rawOffset"`
	DSTOffset    int    `json:"dstOffset"`
	TimeZoneID   string `json:"timeZoneId"`
	TimeZoneName string `json:"timeZoneName"`
}

func (r *CoordinateResolver) ResolveOffset(ctx context.Context, utc calendar.Instant, hint string) (Offset, error) {
	if hint == "" {
		return Offset{}, ErrNoLocation
	}
	base := r.BaseURL
	if base == "" {
		base = DefaultTimeZoneURL
	}
	q := url.Values{}
	q.Set("location", hint)
	q.Set("timestamp", strconv.FormatInt(int64(utc), 10))
	if r.Key != "" {
		q.Set("key", r.Key)
	}
	var reply timeZoneReply
	if err := get(ctx, r.Client, base+"?"+q.Encode(), &reply); err != nil {
		return Offset{}, fmt.Errorf("resolve time zone at %s: %w", hint, err)
	}
	if reply.Status != "OK" {
		return Offset{}, fmt.Errorf("resolve time zone at %s: status %s: %s", hint, reply.Status, reply.ErrorMessage)
	}
	return Offset{
		Minutes:  (reply.RawOffset + reply.DSTOffset) / 60,
		Daylight: reply.DSTOffset != 0,
		Name:     reply.TimeZoneName,
	}, nil
}

// GeoIPResolver locates the clock by its public IP address, then asks Coordinates for the
// offset there.  The location is looked up once and reused.  A non-empty hint skips the lookup.
type GeoIPResolver struct {
	URL         string // DefaultGeoIPURL if empty
	Client      *http.Client
	Coordinates Resolver

	mu       sync.Mutex
	location string
}

type geoIPReply struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	RegionName  string  `json:"region_name"`
	CountryCode string  `json:"country_code"`
}

// Locate returns the "lat,lng" of the clock's public IP address.
func (r *GeoIPResolver) Locate(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.location != "" {
		return r.location, nil
	}
	u := r.URL
	if u == "" {
		u = DefaultGeoIPURL
	}
	var reply geoIPReply
	if err := get(ctx, r.Client, u, &reply); err != nil {
		return "", fmt.Errorf("locate public ip: %w", err)
	}
	if reply.Latitude == 0 && reply.Longitude == 0 {
		return "", fmt.Errorf("locate public ip: %w", ErrNoLocation)
	}
	r.location = strconv.FormatFloat(reply.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(reply.Longitude, 'f', -1, 64)
	return r.location, nil
}

func (r *GeoIPResolver) ResolveOffset(ctx context.Context, utc calendar.Instant, hint string) (Offset, error) {
	if hint == "" {
		var err error
		if hint, err = r.Locate(ctx); err != nil {
			return Offset{}, err
		}
	}
	return r.Coordinates.ResolveOffset(ctx, utc, hint)
}
