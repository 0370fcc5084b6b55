package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/observability"
	"github.com/colthorp/fitsync-go/internal/service"
)

var testDay = time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*service.Service, *api.InMemoryTransport) {
	t.Helper()
	transport := api.NewInMemoryTransport(false)
	transport.SetToday(testDay)
	now := testDay.Add(9 * time.Hour)
	svc := service.New(transport,
		service.WithClock(func() time.Time { return now }),
		service.WithMetrics(observability.NewCollector("fitsync_cli_test")),
		service.WithTimeout(2*time.Second),
	)
	t.Cleanup(func() { svc.Close() })
	return svc, transport
}

// runSession feeds lines to a server and returns the decoded responses.
func runSession(t *testing.T, svc *service.Service, lines ...string) []MCPResponse {
	t.Helper()
	var out bytes.Buffer
	srv := newMCPServer(svc, time.UTC, strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var responses []MCPResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp MCPResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("Failed to parse response %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

// toolText extracts the text content of a tools/call result.
func toolText(t *testing.T, resp MCPResponse) (string, bool) {
	t.Helper()
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected result object, got %v (error %v)", resp.Result, resp.Error)
	}
	content := result["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	isError, _ := result["isError"].(bool)
	return text, isError
}

func TestMCPRequestParsing(t *testing.T) {
	callReq := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"get_day","arguments":{"date_spec":"today"}}}`
	var req MCPRequest
	if err := json.Unmarshal([]byte(callReq), &req); err != nil {
		t.Fatalf("Failed to parse tools/call request: %v", err)
	}
	if req.Method != "tools/call" {
		t.Errorf("Expected method 'tools/call', got %s", req.Method)
	}

	var args QuickEntryParams
	if err := json.Unmarshal([]byte(`{"meal_type":"lunch","calories":450}`), &args); err != nil {
		t.Fatalf("Failed to parse args: %v", err)
	}
	if args.MealType != "lunch" || args.Calories != 450 {
		t.Errorf("Unexpected args %+v", args)
	}
	if args.DateSpec != "" {
		t.Errorf("Expected empty date_spec (today), got %s", args.DateSpec)
	}
}

func TestMCPHandshake(t *testing.T) {
	svc, _ := newTestServer(t)

	responses := runSession(t, svc,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
	)

	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(responses))
	}

	initResult := responses[0].Result.(map[string]interface{})
	info := initResult["serverInfo"].(map[string]interface{})
	if info["name"] != "fitsync" || info["version"] != core.Version {
		t.Errorf("Unexpected serverInfo %v", info)
	}

	tools := responses[1].Result.(map[string]interface{})["tools"].([]interface{})
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	want := "get_day,get_body_metrics,list_workouts,log_quick_entry,delete_workout"
	if strings.Join(names, ",") != want {
		t.Errorf("Expected tools %s, got %v", want, names)
	}

	if responses[2].Error == nil || responses[2].Error.Code != -32601 {
		t.Errorf("Expected method-not-found error, got %+v", responses[2])
	}
}

func TestLogQuickEntryThenGetDay(t *testing.T) {
	svc, transport := newTestServer(t)

	responses := runSession(t, svc,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"log_quick_entry","arguments":{"meal_type":"lunch","name":"Burrito","calories":450,"protein":30}}}`,
	)
	text, isError := toolText(t, responses[0])
	if isError {
		t.Fatalf("log_quick_entry failed: %s", text)
	}
	if !strings.Contains(text, `"date": "2024-07-15"`) || !strings.Contains(text, "Burrito") {
		t.Errorf("Unexpected result %s", text)
	}
	if n := transport.CountRequests("POST", "meals"); n != 1 {
		t.Errorf("Expected one meal created, got %d", n)
	}

	svc.Wait()
	responses = runSession(t, svc,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_day","arguments":{"date_spec":"2024-07-15"}}}`,
	)
	text, isError = toolText(t, responses[0])
	if isError {
		t.Fatalf("get_day failed: %s", text)
	}

	var result struct {
		Status  string         `json:"status"`
		Summary api.DaySummary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		t.Fatalf("Failed to parse tool text: %v", err)
	}
	if result.Summary.Consumed.Calories != 450 {
		t.Errorf("Expected 450 kcal consumed, got %v", result.Summary.Consumed.Calories)
	}
	if result.Summary.Remaining.Calories != 1550 {
		t.Errorf("Expected 1550 kcal remaining, got %v", result.Summary.Remaining.Calories)
	}
}

func TestToolErrors(t *testing.T) {
	svc, _ := newTestServer(t)

	responses := runSession(t, svc,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"delete_workout","arguments":{"workout_id":"workout_missing"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"log_quick_entry","arguments":{"meal_type":"brunch","calories":100}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fetch_day"}}`,
	)
	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(responses))
	}

	text, isError := toolText(t, responses[0])
	if !isError || !strings.Contains(text, "not found") {
		t.Errorf("Expected not-found tool error, got %q (isError=%v)", text, isError)
	}

	text, isError = toolText(t, responses[1])
	if !isError || !strings.Contains(text, "invalid meal type") {
		t.Errorf("Expected meal type tool error, got %q (isError=%v)", text, isError)
	}

	if responses[2].Error == nil || responses[2].Error.Message != "Unknown tool" {
		t.Errorf("Expected unknown tool error, got %+v", responses[2])
	}
}

func TestGetBodyMetricsAbsent(t *testing.T) {
	svc, _ := newTestServer(t)

	responses := runSession(t, svc,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_body_metrics","arguments":{"date_spec":"2024-07-14"}}}`,
	)
	text, isError := toolText(t, responses[0])
	if isError {
		t.Fatalf("get_body_metrics failed: %s", text)
	}
	if !strings.Contains(text, `"found": false`) {
		t.Errorf("Expected found=false, got %s", text)
	}
}
