package scraper

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// RequestParams is the unvalidated input of a scrape operation.
type RequestParams struct {
	StartDate   string
	EndDate     string
	Agencies    []string
	AllowUpdate bool
	Sequential  bool
}

// ScrapeRequest is a validated request ready for the coordinator.
type ScrapeRequest struct {
	Agencies    []string
	Range       DateRange
	AllowUpdate bool
	Sequential  bool
	All         bool
}

// ValidateRequest checks dates and agency keys against the registry without
// touching the network or storage. The end date defaults to the start date.
func ValidateRequest(params RequestParams, registry Registry) (ScrapeRequest, error) {
	start, err := parseDay("start_date", params.StartDate)
	if err != nil {
		return ScrapeRequest{}, err
	}
	end := start
	if strings.TrimSpace(params.EndDate) != "" {
		end, err = parseDay("end_date", params.EndDate)
		if err != nil {
			return ScrapeRequest{}, err
		}
	}
	if end.Before(start) {
		return ScrapeRequest{}, &ValidationError{
			Field:  "end_date",
			Reason: fmt.Sprintf("%s is before start_date %s", end.Format(DateLayout), start.Format(DateLayout)),
		}
	}

	req := ScrapeRequest{
		Range:       DateRange{Start: start, End: end},
		AllowUpdate: params.AllowUpdate,
		Sequential:  params.Sequential,
	}
	keys := normalizeKeys(params.Agencies)
	if len(keys) == 0 {
		req.All = true
		req.Agencies = registry.AllKeys()
		if len(req.Agencies) == 0 {
			return ScrapeRequest{}, &ValidationError{Field: "agencies", Reason: "no active agencies configured in " + registry.Name()}
		}
		return req, nil
	}

	var unknown []string
	for _, key := range keys {
		site, ok := registry.Lookup(key)
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		if !site.Active {
			reason := site.DisabledReason
			if reason == "" {
				reason = "no reason provided"
			}
			return ScrapeRequest{}, &ValidationError{
				Field:  "agencies",
				Reason: fmt.Sprintf("agency %q is inactive: %s", key, reason),
			}
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return ScrapeRequest{}, &ValidationError{
			Field:  "agencies",
			Reason: fmt.Sprintf("unknown agency key(s) in %s: %s", registry.Name(), strings.Join(unknown, ", ")),
		}
	}
	req.Agencies = keys
	return req, nil
}

func parseDay(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &ValidationError{Field: field, Reason: "is required"}
	}
	day, err := time.ParseInLocation(DateLayout, value, Brasilia)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a YYYY-MM-DD date", value)}
	}
	return day, nil
}

// normalizeKeys trims, drops empties and removes duplicates while keeping order.
func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
