// Package analytics summarises one day of stored chat logs.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"chatlog/internal/compaction"
	"chatlog/internal/record"
	"chatlog/internal/storage"
)

// DailyStats holds the counters for one day.
type DailyStats struct {
	Day            string         `json:"day"`
	Merged         bool           `json:"merged"`
	Lines          int            `json:"lines"`
	Turns          int            `json:"turns"`
	CompleteTurns  int            `json:"complete_turns"`
	AssistantOnly  int            `json:"assistant_only_turns"`
	Events         int            `json:"events"`
	Invalid        int            `json:"invalid"`
	UniqueSessions int            `json:"unique_sessions"`
	ByCapture      map[string]int `json:"by_capture"`
	ByRole         map[string]int `json:"by_role"`
	ByPath         map[string]int `json:"by_path"`
}

type line struct {
	Type          string          `json:"type"`
	UserText      string          `json:"user_text"`
	AssistantText string          `json:"assistant_text"`
	Role          string          `json:"role"`
	SessionID     string          `json:"sessionId"`
	Meta          json.RawMessage `json:"meta"`
}

// DayLines returns a day as NDJSON lines: the merged file when it exists,
// otherwise the per-event objects still waiting for compaction.
func DayLines(ctx context.Context, store storage.Store, day string) ([][]byte, bool, error) {
	if _, err := storage.ParseDay(day); err != nil {
		return nil, false, err
	}
	data, err := store.Get(ctx, storage.CompactedKey(day))
	if err == nil {
		var lines [][]byte
		for _, l := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(l)) > 0 {
				lines = append(lines, append(l, '\n'))
			}
		}
		return lines, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, errors.Wrap(err, "read merged log")
	}

	objs, err := store.List(ctx, storage.DayPrefix(day))
	if err != nil {
		return nil, false, errors.Wrap(err, "list day objects")
	}
	lines := make([][]byte, 0, len(objs))
	for _, o := range objs {
		data, err := store.Get(ctx, o.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, errors.Wrapf(err, "read %s", o.Key)
		}
		lines = append(lines, compaction.Line(data))
	}
	return lines, false, nil
}

// AnalyzeDailyLogs counts turns and legacy events in lines.
func AnalyzeDailyLogs(day string, lines [][]byte) *DailyStats {
	stats := &DailyStats{
		Day:       day,
		ByCapture: make(map[string]int),
		ByRole:    make(map[string]int),
		ByPath:    make(map[string]int),
	}
	sessions := make(map[string]bool)

	for _, raw := range lines {
		stats.Lines++
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			stats.Invalid++
			continue
		}
		meta := metaStrings(l.Meta)
		if p := meta[record.MetaPath]; p != "" {
			stats.ByPath[p]++
		}

		if l.Type == record.TypeTurn {
			stats.Turns++
			capture := meta[record.MetaCapture]
			if capture == "" {
				capture = "unknown"
			}
			stats.ByCapture[capture]++
			switch {
			case l.UserText != "" && l.AssistantText != "":
				stats.CompleteTurns++
			case l.AssistantText != "":
				stats.AssistantOnly++
			}
			continue
		}

		stats.Events++
		role := strings.ToLower(l.Role)
		if role == "" {
			role = "unknown"
		}
		stats.ByRole[role]++
		if l.SessionID != "" {
			sessions[l.SessionID] = true
		}
	}

	stats.UniqueSessions = len(sessions)
	return stats
}

// metaStrings keeps the string values of a meta object.
func metaStrings(raw json.RawMessage) map[string]string {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// GenerateReportSummary renders the stats as a short plain-text report.
func (ds *DailyStats) GenerateReportSummary() string {
	var sb strings.Builder
	source := "per-event objects"
	if ds.Merged {
		source = "merged log"
	}
	fmt.Fprintf(&sb, "Chat logs for %s (%s):\n", ds.Day, source)
	fmt.Fprintf(&sb, "- records: %d (%d invalid)\n", ds.Lines, ds.Invalid)
	fmt.Fprintf(&sb, "- turns: %d (%d complete, %d assistant only)\n", ds.Turns, ds.CompleteTurns, ds.AssistantOnly)
	fmt.Fprintf(&sb, "- legacy events: %d from %d sessions\n", ds.Events, ds.UniqueSessions)
	writeCounts(&sb, "capture", ds.ByCapture)
	writeCounts(&sb, "role", ds.ByRole)
	writeCounts(&sb, "path", ds.ByPath)
	return sb.String()
}

func writeCounts(sb *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(sb, "By %s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(sb, "  %s: %d\n", k, counts[k])
	}
}

func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
