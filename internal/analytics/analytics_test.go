package analytics

import (
	"context"
	"strings"
	"testing"

	"chatlog/internal/storage"
)

var dayLines = [][]byte{
	[]byte(`{"type":"turn","user_text":"hi","assistant_text":"hello","meta":{"capture":"fetch","path":"/chat"}}` + "\n"),
	[]byte(`{"type":"turn","user_text":"","assistant_text":"welcome back","meta":{"capture":"dom","path":"/chat"}}` + "\n"),
	[]byte(`{"type":"turn","assistant_text":"bare"}` + "\n"),
	[]byte(`{"role":"user","text":"old","sessionId":"s-1","meta":{"path":"/legacy","n":2}}` + "\n"),
	[]byte(`{"role":"Assistant","text":"older","sessionId":"s-1"}` + "\n"),
	[]byte(`{"role":"user","text":"other","sessionId":"s-2"}` + "\n"),
	[]byte("not json at all\n"),
}

func TestAnalyzeDailyLogs(t *testing.T) {
	stats := AnalyzeDailyLogs("2024-01-15", dayLines)

	if stats.Day != "2024-01-15" {
		t.Errorf("Expected day '2024-01-15', got '%s'", stats.Day)
	}
	if stats.Lines != 7 {
		t.Errorf("Expected 7 lines, got %d", stats.Lines)
	}
	if stats.Turns != 3 || stats.CompleteTurns != 1 || stats.AssistantOnly != 2 {
		t.Errorf("Unexpected turn counts: %+v", stats)
	}
	if stats.Events != 3 {
		t.Errorf("Expected 3 legacy events, got %d", stats.Events)
	}
	if stats.Invalid != 1 {
		t.Errorf("Expected 1 invalid line, got %d", stats.Invalid)
	}
	if stats.UniqueSessions != 2 {
		t.Errorf("Expected 2 unique sessions, got %d", stats.UniqueSessions)
	}

	expectedCapture := map[string]int{"fetch": 1, "dom": 1, "unknown": 1}
	for k, want := range expectedCapture {
		if got := stats.ByCapture[k]; got != want {
			t.Errorf("Expected %d turns captured by %s, got %d", want, k, got)
		}
	}
	if stats.ByRole["user"] != 2 || stats.ByRole["assistant"] != 1 {
		t.Errorf("Unexpected role counts: %v", stats.ByRole)
	}
	if stats.ByPath["/chat"] != 2 || stats.ByPath["/legacy"] != 1 {
		t.Errorf("Unexpected path counts: %v", stats.ByPath)
	}
}

func TestAnalyzeDailyLogsEmptyData(t *testing.T) {
	stats := AnalyzeDailyLogs("2024-01-15", nil)
	if stats.Lines != 0 || stats.Turns != 0 || stats.Events != 0 || stats.UniqueSessions != 0 {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
	if !strings.Contains(stats.GenerateReportSummary(), "records: 0") {
		t.Errorf("Summary missing record count: %s", stats.GenerateReportSummary())
	}
}

func TestGenerateReportSummary(t *testing.T) {
	stats := AnalyzeDailyLogs("2024-01-15", dayLines)
	stats.Merged = true
	summary := stats.GenerateReportSummary()
	for _, want := range []string{
		"Chat logs for 2024-01-15 (merged log)",
		"turns: 3 (1 complete, 2 assistant only)",
		"legacy events: 3 from 2 sessions",
		"  dom: 1\n  fetch: 1\n  unknown: 1\n",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("Summary missing %q:\n%s", want, summary)
		}
	}

	js, err := stats.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	if !strings.Contains(js, `"complete_turns": 1`) {
		t.Errorf("JSON missing complete_turns: %s", js)
	}
}

func TestDayLines(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore("")
	if _, err := st.Put(ctx, "logs/2024-01-15/10-00-00-000.json", []byte(`{ "text": "a" }`), storage.ContentTypeJSON); err != nil {
		t.Fatalf("put: %v", err)
	}

	lines, merged, err := DayLines(ctx, st, "2024-01-15")
	if err != nil {
		t.Fatalf("DayLines: %v", err)
	}
	if merged || len(lines) != 1 || string(lines[0]) != "{\"text\":\"a\"}\n" {
		t.Fatalf("Unexpected per-event lines: merged=%v %q", merged, lines)
	}

	if _, err := st.Put(ctx, "logs/2024-01-15.ndjson", []byte("{\"a\":1}\n{\"b\":2}\n"), storage.ContentTypeNDJSON); err != nil {
		t.Fatalf("put: %v", err)
	}
	lines, merged, err = DayLines(ctx, st, "2024-01-15")
	if err != nil {
		t.Fatalf("DayLines: %v", err)
	}
	if !merged || len(lines) != 2 || string(lines[1]) != "{\"b\":2}\n" {
		t.Fatalf("Unexpected merged lines: merged=%v %q", merged, lines)
	}

	if _, _, err := DayLines(ctx, st, "15-01-2024"); err == nil {
		t.Fatal("Expected error for malformed day")
	}
}
