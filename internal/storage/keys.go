package storage

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	LogsPrefix = "logs/"

	SuffixTurn  = ".turn.json"
	SuffixEvent = ".json"

	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"

	DayLayout = "2006-01-02"
)

// EventKey derives logs/{day}/{HH-MM-SS-mmm}{suffix} from t in UTC.
// Keys sort lexicographically in chronological order within a day. Two writes
// of the same suffix within one millisecond share a key, and the later Put
// replaces the earlier object.
func EventKey(t time.Time, suffix string) string {
	t = t.UTC()
	return fmt.Sprintf("%s%s/%s-%03d%s",
		LogsPrefix, t.Format(DayLayout), t.Format("15-04-05"), t.Nanosecond()/int(time.Millisecond), suffix)
}

// DayPrefix is the listing prefix for the per-event objects of day.
func DayPrefix(day string) string {
	return LogsPrefix + day + "/"
}

// CompactedKey is the merged newline-delimited object for day.
func CompactedKey(day string) string {
	return LogsPrefix + day + ".ndjson"
}

// ParseDay validates a YYYY-MM-DD day string.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid day %q", s)
	}
	return t, nil
}

// Yesterday returns the UTC day before now.
func Yesterday(now time.Time) string {
	return now.UTC().AddDate(0, 0, -1).Format(DayLayout)
}

// ContentTypeFor guesses a content type from the key extension.
func ContentTypeFor(key string) string {
	switch path.Ext(key) {
	case ".ndjson":
		return ContentTypeNDJSON
	case ".json":
		return ContentTypeJSON
	default:
		return "application/octet-stream"
	}
}

// ValidKey rejects empty, absolute and traversing keys.
func ValidKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return errors.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Errorf("invalid key %q", key)
		}
	}
	return nil
}
