// Package mcpserver exposes compaction, day listing and day statistics as MCP tools.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"chatlog/internal/analytics"
	"chatlog/internal/compaction"
	"chatlog/internal/storage"
)

// CompactDayParams are the arguments of compact_day.
type CompactDayParams struct {
	Day   string `json:"day,omitempty" mcp:"day to compact as YYYY-MM-DD, defaults to yesterday UTC"`
	Force bool   `json:"force,omitempty" mcp:"rewrite the merged log even if it already exists"`
}

// ListDayParams are the arguments of list_day.
type ListDayParams struct {
	Day string `json:"day" mcp:"day to list as YYYY-MM-DD"`
}

type Tools struct {
	store     storage.Store
	compactor *compaction.Compactor
}

func NewTools(store storage.Store, compactor *compaction.Compactor) *Tools {
	return &Tools{store: store, compactor: compactor}
}

// NewServer builds an MCP server with every chatlog tool registered.
func NewServer(tools *Tools, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "chatlog-mcp",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "compact_day",
		Description: "Merges one day's per-event chat logs into logs/{day}.ndjson and deletes the originals",
	}, tools.CompactDay)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_day",
		Description: "Lists the per-event chat log objects still stored for a day",
	}, tools.ListDay)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "day_stats",
		Description: "Summarises one day's chat logs: turns by capture path, legacy events by role, sessions",
	}, tools.DayStats)

	return server
}

func errorResult(format string, args ...any) *mcp.CallToolResultFor[any] {
	return &mcp.CallToolResultFor[any]{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf(format, args...)},
		},
	}
}

func (t *Tools) CompactDay(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[CompactDayParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	log.Info().Str("component", "mcp").Str("day", args.Day).Bool("force", args.Force).Msg("compact_day called")

	if args.Day != "" {
		if _, err := storage.ParseDay(args.Day); err != nil {
			return errorResult("invalid day %q: expected YYYY-MM-DD", args.Day), nil
		}
	}
	res, err := t.compactor.Run(ctx, compaction.Request{Day: args.Day, Force: args.Force})
	if err != nil {
		return errorResult("compaction of %s failed: %v", args.Day, err), nil
	}

	var msg string
	switch {
	case res.Written:
		msg = fmt.Sprintf("Compacted %s: %d events merged into %s, %d deleted", res.Day, res.Events, res.OutKey, res.Deleted)
	case res.Skipped == compaction.SkippedConcurrent:
		msg = fmt.Sprintf("Skipped %s: another compaction of this day deleted objects while they were being read", res.Day)
	case res.Skipped == compaction.SkippedExists:
		msg = fmt.Sprintf("Nothing to do for %s: %s already exists (use force to rewrite)", res.Day, res.OutKey)
	default:
		msg = fmt.Sprintf("Nothing to do for %s: no events stored", res.Day)
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		Meta: map[string]interface{}{
			"ok":      res.OK,
			"day":     res.Day,
			"outKey":  res.OutKey,
			"url":     res.URL,
			"written": res.Written,
			"events":  res.Events,
			"carried": res.Carried,
			"deleted": res.Deleted,
			"skipped": res.Skipped,
		},
	}, nil
}

func (t *Tools) ListDay(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ListDayParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if _, err := storage.ParseDay(args.Day); err != nil {
		return errorResult("invalid day %q: expected YYYY-MM-DD", args.Day), nil
	}
	objs, err := t.store.List(ctx, storage.DayPrefix(args.Day))
	if err != nil {
		return errorResult("listing %s failed: %v", args.Day, err), nil
	}
	merged, err := t.store.Exists(ctx, storage.CompactedKey(args.Day))
	if err != nil {
		return errorResult("checking merged log for %s failed: %v", args.Day, err), nil
	}

	keys := make([]string, 0, len(objs))
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d per-event objects", args.Day, len(objs))
	if merged {
		fmt.Fprintf(&sb, ", merged log %s present", storage.CompactedKey(args.Day))
	}
	for _, o := range objs {
		keys = append(keys, o.Key)
		fmt.Fprintf(&sb, "\n- %s (%d bytes)", o.Key, o.Size)
	}

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: sb.String()},
		},
		Meta: map[string]interface{}{
			"day":    args.Day,
			"count":  len(objs),
			"keys":   keys,
			"merged": merged,
		},
	}, nil
}

func (t *Tools) DayStats(ctx context.Context, session *mcp.ServerSession, params *mcp.CallToolParamsFor[ListDayParams]) (*mcp.CallToolResultFor[any], error) {
	args := params.Arguments
	if _, err := storage.ParseDay(args.Day); err != nil {
		return errorResult("invalid day %q: expected YYYY-MM-DD", args.Day), nil
	}
	lines, merged, err := analytics.DayLines(ctx, t.store, args.Day)
	if err != nil {
		return errorResult("reading %s failed: %v", args.Day, err), nil
	}
	stats := analytics.AnalyzeDailyLogs(args.Day, lines)
	stats.Merged = merged

	return &mcp.CallToolResultFor[any]{
		Content: []mcp.Content{
			&mcp.TextContent{Text: stats.GenerateReportSummary()},
		},
		Meta: map[string]interface{}{
			"day":        stats.Day,
			"merged":     stats.Merged,
			"lines":      stats.Lines,
			"turns":      stats.Turns,
			"events":     stats.Events,
			"by_capture": stats.ByCapture,
		},
	}, nil
}
