package server

import (
	"strconv"
	"strings"
	"time"
)

func parsePageSize(raw string) int32 {
	size, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || size <= 0 {
		return 50
	}
	if size > 250 {
		return 250
	}
	return int32(size)
}

// parseTimeParam accepts RFC3339 timestamps; absent means unbounded.
func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
