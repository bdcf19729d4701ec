package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stupiduntilnot/sidechat/internal/db"
)

// testDB creates a temporary SQLite database with schema initialized.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.OpenDB(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.InitSchema(database); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// seedSendTree inserts a realistic send event tree and returns the root (daemon) event ID.
//
// Tree structure:
//
//	process.started (sidechatd)         id=1
//	├── send.started                    id=2
//	│   ├── conversation.created        id=3
//	│   ├── context.gathered            id=4
//	│   ├── request.built               id=5
//	│   └── stream.started              id=6
//	│       ├── stream.completed        id=7
//	│       └── reply.finalized         id=8
//	├── send.started                    id=9
//	│   └── send.needs_configuration    id=10
//	└── conversation.deleted            id=11
func seedSendTree(t *testing.T, database *sql.DB) int64 {
	t.Helper()

	rootID, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "sidechatd", "pid": 100})
	sendID, _ := db.LogEvent(database, &rootID, db.EventSendStarted, map[string]any{"conversation_id": "1739781001000", "chars": 12})
	db.LogEvent(database, &sendID, db.EventConversationCreated, map[string]any{"conversation_id": "1739781001000", "url": "https://example.com"})
	db.LogEvent(database, &sendID, db.EventContextGathered, map[string]any{"page_chars": 5120, "selection_chars": 0})
	db.LogEvent(database, &sendID, db.EventRequestBuilt, map[string]any{"provider": "openai", "model": "gpt-4o-mini", "messages": 2})
	streamID, _ := db.LogEvent(database, &sendID, db.EventStreamStarted, map[string]any{"session_id": "3f6c", "provider": "openai"})
	db.LogEvent(database, &streamID, db.EventStreamCompleted, map[string]any{"fragments": 14, "latency_ms": 1820})
	db.LogEvent(database, &streamID, db.EventReplyFinalized, map[string]any{"conversation_id": "1739781001000", "index": 2})
	failedID, _ := db.LogEvent(database, &rootID, db.EventSendStarted, map[string]any{"conversation_id": "", "chars": 3})
	db.LogEvent(database, &failedID, db.EventSendNeedsConfig, map[string]any{"reason": "no provider"})
	db.LogEvent(database, &rootID, db.EventConversationDeleted, map[string]any{"conversation_id": "1739781001000"})

	return rootID
}

func TestLatestProcessRoot(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	got, err := latestProcessRoot(database, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != rootID {
		t.Errorf("expected root id=%d, got %d", rootID, got)
	}
}

func TestLatestProcessRoot_NoEvents(t *testing.T) {
	database := testDB(t)
	_, err := latestProcessRoot(database, "")
	if err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestQuerySubtree(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, err := querySubtree(database, rootID)
	if err != nil {
		t.Fatal(err)
	}
	// We inserted 11 events total.
	if len(events) != 11 {
		t.Errorf("expected 11 events, got %d", len(events))
	}
}

func TestQuerySubtree_SubtreeFromSend(t *testing.T) {
	database := testDB(t)
	seedSendTree(t, database)

	// send.started is id=2: itself, 4 direct children, 2 stream children.
	events, err := querySubtree(database, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 7 {
		t.Errorf("expected 7 events in send subtree, got %d", len(events))
		for _, ev := range events {
			t.Logf("  id=%d type=%s parent=%v", ev.ID, ev.EventType, ev.ParentID)
		}
	}
}

func TestBuildTree(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	if root == nil {
		t.Fatal("root is nil")
	}
	if root.EventType != "process.started" {
		t.Errorf("expected process.started, got %s", root.EventType)
	}

	// Root has 3 direct children: two send.started and conversation.deleted.
	if len(root.Children) != 3 {
		t.Errorf("expected 3 root children, got %d", len(root.Children))
		for _, c := range root.Children {
			t.Logf("  child: id=%d type=%s", c.ID, c.EventType)
		}
	}

	sendNode := root.Children[0]
	if sendNode.EventType != "send.started" {
		t.Fatalf("expected send.started first, got %s", sendNode.EventType)
	}
	if len(sendNode.Children) != 4 {
		t.Errorf("expected 4 send children, got %d", len(sendNode.Children))
	}

	var streamNode *Event
	for _, c := range sendNode.Children {
		if c.EventType == "stream.started" {
			streamNode = c
			break
		}
	}
	if streamNode == nil {
		t.Fatal("stream.started not found")
	}
	if len(streamNode.Children) != 2 {
		t.Errorf("expected 2 stream children, got %d", len(streamNode.Children))
	}
}

func TestFormatEvent(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "stream.completed",
		Payload:   sql.NullString{String: `{"fragments":14,"latency_ms":1820}`, Valid: true},
	}

	line := formatEvent(ev, false)
	if !strings.Contains(line, "[42]") {
		t.Errorf("expected [42] in output: %s", line)
	}
	if !strings.Contains(line, "stream.completed") {
		t.Errorf("expected stream.completed in output: %s", line)
	}
	if !strings.Contains(line, "fragments=14") {
		t.Errorf("expected fragments=14 in output: %s", line)
	}
	if !strings.Contains(line, "latency_ms=1820") {
		t.Errorf("expected latency_ms=1820 in output: %s", line)
	}
}

func TestFormatEvent_NoPayload(t *testing.T) {
	ev := &Event{
		ID:        42,
		Timestamp: 1739781001,
		EventType: "send.started",
		Payload:   sql.NullString{String: `{"conversation_id":"1"}`, Valid: true},
	}

	line := formatEvent(ev, true)
	if strings.Contains(line, "conversation_id") {
		t.Errorf("expected no payload in output: %s", line)
	}
}

func TestFormatEvent_NullPayload(t *testing.T) {
	ev := &Event{
		ID:        1,
		Timestamp: 1739781001,
		EventType: "stream.abandoned",
		Payload:   sql.NullString{Valid: false},
	}

	line := formatEvent(ev, false)
	if !strings.Contains(line, "stream.abandoned") {
		t.Errorf("expected stream.abandoned in output: %s", line)
	}
}

func TestFormatValue_LongString(t *testing.T) {
	long := strings.Repeat("a", 100)
	v := formatValue(long)
	if !strings.Contains(v, "...") {
		t.Errorf("expected truncation: %s", v)
	}
}

func TestFormatValue_Integer(t *testing.T) {
	v := formatValue(float64(42))
	if v != "42" {
		t.Errorf("expected 42, got %s", v)
	}
}

// captureStdout runs fn and captures its stdout output.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestPrintTree_Full(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printTree(root, "", true, 1, 0, false)
	})

	for _, want := range []string{
		"process.started", "send.started", "conversation.created",
		"context.gathered", "request.built", "stream.started",
		"stream.completed", "reply.finalized", "send.needs_configuration",
		"conversation.deleted",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}

	if !strings.Contains(output, "├──") && !strings.Contains(output, "└──") {
		t.Errorf("expected tree characters in output:\n%s", output)
	}
}

func TestPrintTree_DepthLimit(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printTree(root, "", true, 1, 2, false)
	})

	if !strings.Contains(output, "process.started") {
		t.Errorf("expected process.started at depth 1")
	}
	if !strings.Contains(output, "send.started") {
		t.Errorf("expected send.started at depth 2")
	}
	if strings.Contains(output, "request.built") {
		t.Errorf("request.built should be truncated at -L 2:\n%s", output)
	}
	if !strings.Contains(output, "[...]") {
		t.Errorf("expected [...] indicator for truncated nodes:\n%s", output)
	}
}

func TestPrintTree_DepthLimit1(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printTree(root, "", true, 1, 1, false)
	})

	lines := strings.Split(strings.TrimSpace(output), "\n")
	// Depth 1: just root + [...] indicator.
	if len(lines) != 2 {
		t.Errorf("expected 2 lines (root + [...]), got %d:\n%s", len(lines), output)
	}
}

func TestPrintJSON(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printJSON(root, 0, false)
	})

	var je jsonEvent
	if err := json.Unmarshal([]byte(output), &je); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, output)
	}

	if je.EventType != "process.started" {
		t.Errorf("expected process.started, got %s", je.EventType)
	}
	if len(je.Children) != 3 {
		t.Errorf("expected 3 children, got %d", len(je.Children))
	}
}

func TestPrintJSON_DepthLimit(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printJSON(root, 2, false)
	})

	var je jsonEvent
	if err := json.Unmarshal([]byte(output), &je); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if len(je.Children) == 0 {
		t.Error("expected children at depth 2")
	}
	for _, child := range je.Children {
		if len(child.Children) > 0 {
			t.Errorf("expected no grandchildren at -L 2, but %s (id=%d) has %d",
				child.EventType, child.ID, len(child.Children))
		}
	}
}

func TestPrintJSON_NoPayload(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	events, _ := querySubtree(database, rootID)
	root := buildTree(events, rootID)

	output := captureStdout(t, func() {
		printJSON(root, 0, true)
	})

	if strings.Contains(output, `"role"`) {
		t.Errorf("expected no payload in output:\n%s", output)
	}
}

func TestMultipleProcesses_PicksLatest(t *testing.T) {
	database := testDB(t)

	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "sidechatd", "pid": 100})
	panel, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "sidechat", "pid": 200})

	got, err := latestProcessRoot(database, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != panel {
		t.Errorf("expected latest process id=%d, got %d", panel, got)
	}
}

func TestLatestProcessRoot_FiltersRole(t *testing.T) {
	database := testDB(t)

	daemon, _ := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "sidechatd", "pid": 100})
	db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{"role": "sidechat", "pid": 200})

	got, err := latestProcessRoot(database, "sidechatd")
	if err != nil {
		t.Fatal(err)
	}
	if got != daemon {
		t.Errorf("expected daemon id=%d, got %d", daemon, got)
	}
	if _, err := latestProcessRoot(database, "worker"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestSubtreeFromSpecificID(t *testing.T) {
	database := testDB(t)
	seedSendTree(t, database)

	// Query subtree from stream.started (id=6).
	events, err := querySubtree(database, 6)
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 3 {
		t.Errorf("expected 3 events in stream subtree, got %d", len(events))
		for _, ev := range events {
			t.Logf("  id=%d type=%s", ev.ID, ev.EventType)
		}
	}

	root := buildTree(events, 6)
	if root == nil {
		t.Fatal("stream root is nil")
	}
	if root.EventType != "stream.started" {
		t.Errorf("expected stream.started, got %s", root.EventType)
	}
	if len(root.Children) != 2 {
		t.Errorf("expected 2 children, got %d", len(root.Children))
	}
}

func TestConversationSends(t *testing.T) {
	database := testDB(t)
	rootID := seedSendTree(t, database)

	// A later send on the same conversation, found through its own payload.
	sendID, _ := db.LogEvent(database, &rootID, db.EventSendStarted, map[string]any{"conversation_id": "1739781001000", "chars": 5})
	db.LogEvent(database, &sendID, db.EventStreamStarted, map[string]any{"session_id": "9a1b"})
	// An unrelated conversation.
	otherID, _ := db.LogEvent(database, &rootID, db.EventSendStarted, map[string]any{"conversation_id": "42", "chars": 1})

	roots, err := conversationSends(database, "1739781001000")
	if err != nil {
		t.Fatal(err)
	}
	if len(roots) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(roots))
	}
	if roots[0].ID != 2 || roots[1].ID != sendID {
		t.Fatalf("unexpected send roots %d, %d", roots[0].ID, roots[1].ID)
	}
	if len(roots[0].Children) != 4 {
		t.Errorf("expected full subtree for first send, got %d children", len(roots[0].Children))
	}
	for _, r := range roots {
		if r.ID == otherID {
			t.Fatal("unrelated conversation should not match")
		}
	}

	none, err := conversationSends(database, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no sends, got %d", len(none))
	}
}

func TestStyleFor(t *testing.T) {
	if got := styleFor("request.built")("request.built"); got != "request.built" {
		t.Fatalf("plain events must render unchanged, got %q", got)
	}
}
