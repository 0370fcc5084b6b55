package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/colthorp/fitsync-go/internal/api"
	"github.com/colthorp/fitsync-go/internal/cache"
	"github.com/colthorp/fitsync-go/internal/core"
	"github.com/colthorp/fitsync-go/internal/normalize"
	"github.com/colthorp/fitsync-go/internal/output"
	"github.com/colthorp/fitsync-go/internal/service"
)

// MCP Protocol types
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type MCPInitializeResult struct {
	ProtocolVersion string        `json:"protocolVersion"`
	ServerInfo      MCPServerInfo `json:"serverInfo"`
	Capabilities    interface{}   `json:"capabilities"`
}

// DayParams are the parameters for the get_day tool
type DayParams struct {
	DateSpec string `json:"date_spec"`
}

// WorkoutsParams are the parameters for the list_workouts tool
type WorkoutsParams struct {
	Period string `json:"period"`
}

// QuickEntryParams are the parameters for the log_quick_entry tool
type QuickEntryParams struct {
	DateSpec string  `json:"date_spec"`
	MealType string  `json:"meal_type"`
	Name     string  `json:"name"`
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

// DeleteWorkoutParams are the parameters for the delete_workout tool
type DeleteWorkoutParams struct {
	WorkoutID string `json:"workout_id"`
}

type mcpServer struct {
	svc *service.Service
	loc *time.Location
	in  io.Reader
	out io.Writer
}

func newMCPServer(svc *service.Service, loc *time.Location, in io.Reader, out io.Writer) *mcpServer {
	return &mcpServer{svc: svc, loc: loc, in: in, out: out}
}

// Run serves JSON-RPC requests, one per line, until the input ends.
func (m *mcpServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(m.in)
	// Increase buffer size for large messages
	const maxCapacity = 10 * 1024 * 1024 // 10MB
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var req MCPRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			// Without an ID there is nobody to answer
			fmt.Fprintf(os.Stderr, "[MCP] Parse error: %v\n", err)
			continue
		}

		m.handleRequest(ctx, &req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}

	return nil
}

func (m *mcpServer) handleRequest(ctx context.Context, req *MCPRequest) {
	switch req.Method {
	case "initialize":
		m.handleInitialize(req)
	case "initialized", "notifications/initialized":
		return
	case "tools/list":
		m.sendResponse(req.ID, map[string]interface{}{"tools": mcpTools()})
	case "tools/call":
		m.handleToolsCall(ctx, req)
	default:
		// Notifications (no ID) are silently ignored
		if req.ID != nil {
			m.sendError(req.ID, -32601, "Method not found", req.Method)
		}
	}
}

func (m *mcpServer) handleInitialize(req *MCPRequest) {
	m.sendResponse(req.ID, MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo: MCPServerInfo{
			Name:    "fitsync",
			Version: core.Version,
		},
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	})
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func numberProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": description}
}

func mcpTools() []MCPToolInfo {
	dateSpec := stringProp("Date specification: YYYY-MM-DD, M/D, today, yesterday or d-N")
	return []MCPToolInfo{
		{
			Name:        "get_day",
			Description: "Get the nutrition summary of one day: goals, consumed, remaining, meals and workouts.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"date_spec": dateSpec},
			},
		},
		{
			Name:        "get_body_metrics",
			Description: "Get body metrics of a date, or the latest entry when date_spec is omitted.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"date_spec": dateSpec},
			},
		},
		{
			Name:        "list_workouts",
			Description: "List workouts of a named period (this-week, last-week, this-month, last-30-days, ...).",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"period": map[string]interface{}{"type": "string", "description": "Named period", "default": "this-week"},
				},
			},
		},
		{
			Name:        "log_quick_entry",
			Description: "Log a free-form food entry into a meal, creating the meal if the day has none of that type.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"date_spec": dateSpec,
					"meal_type": stringProp("breakfast, lunch, dinner or snack"),
					"name":      stringProp("What was eaten"),
					"calories":  numberProp("kcal"),
					"protein":   numberProp("grams"),
					"carbs":     numberProp("grams"),
					"fat":       numberProp("grams"),
				},
				"required": []string{"meal_type", "calories"},
			},
		},
		{
			Name:        "delete_workout",
			Description: "Delete a logged workout by id.",
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"workout_id": stringProp("Workout id")},
				"required":   []string{"workout_id"},
			},
		},
	}
}

func (m *mcpServer) handleToolsCall(ctx context.Context, req *MCPRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		m.sendError(req.ID, -32602, "Invalid params", err.Error())
		return
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage("{}")
	}

	var (
		result interface{}
		err    error
	)
	switch params.Name {
	case "get_day":
		result, err = m.getDay(ctx, params.Arguments)
	case "get_body_metrics":
		result, err = m.getBodyMetrics(ctx, params.Arguments)
	case "list_workouts":
		result, err = m.listWorkouts(ctx, params.Arguments)
	case "log_quick_entry":
		result, err = m.logQuickEntry(ctx, params.Arguments)
	case "delete_workout":
		result, err = m.deleteWorkout(ctx, params.Arguments)
	default:
		m.sendError(req.ID, -32602, "Unknown tool", params.Name)
		return
	}

	if err != nil {
		m.sendToolError(req.ID, api.UserMessage(err))
		return
	}
	m.sendToolResult(req.ID, result)
}

// date resolves a date spec against the service clock.
func (m *mcpServer) date(spec string) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "today":
		return m.svc.Today(), nil
	case "yesterday":
		return m.svc.Today().AddDate(0, 0, -1), nil
	}
	return core.ParseDateSpec(spec, m.loc)
}

func decodeArgs(raw json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// withFreshness adds the cache state of a read to a tool result.
func withFreshness[T any](v service.View[T], result map[string]interface{}) map[string]interface{} {
	result["status"] = v.Status.String()
	if note := output.Freshness(v.Status, v.FetchedAt, v.Err); note != "" {
		result["note"] = strings.Trim(note, "_")
	}
	return result
}

func (m *mcpServer) getDay(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args DayParams
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	d, err := m.date(args.DateSpec)
	if err != nil {
		return nil, err
	}
	v, err := m.svc.Day(ctx, d)
	if err != nil {
		return nil, err
	}
	p := normalize.ProgressOf(v.Value)
	return withFreshness(v, map[string]interface{}{
		"date":     core.FormatDate(d),
		"summary":  v.Value,
		"progress": p.Macros(),
	}), nil
}

func (m *mcpServer) getBodyMetrics(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args DayParams
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	var (
		v   service.View[api.BodyMetrics]
		err error
	)
	if args.DateSpec == "" {
		v, err = m.svc.LatestBodyMetrics(ctx)
	} else {
		var d time.Time
		if d, err = m.date(args.DateSpec); err != nil {
			return nil, err
		}
		v, err = m.svc.BodyMetrics(ctx, d)
	}
	if err != nil {
		return nil, err
	}
	if v.Absent {
		return withFreshness(v, map[string]interface{}{"found": false}), nil
	}
	return withFreshness(v, map[string]interface{}{"found": true, "metrics": v.Value}), nil
}

func (m *mcpServer) listWorkouts(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	args := WorkoutsParams{Period: "this-week"}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	start, end, err := core.GetDateRange(args.Period, m.loc)
	if err != nil {
		return nil, err
	}
	v, err := m.svc.Workouts(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return withFreshness(v, map[string]interface{}{
		"start":          core.FormatDate(start),
		"end":            core.FormatDate(end),
		"workouts_count": len(v.Value),
		"workouts":       v.Value,
	}), nil
}

func (m *mcpServer) logQuickEntry(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args QuickEntryParams
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	d, err := m.date(args.DateSpec)
	if err != nil {
		return nil, err
	}
	mt, err := api.ParseMealType(args.MealType)
	if err != nil {
		return nil, err
	}
	n := api.Nutrition{Calories: args.Calories, Protein: args.Protein, Carbs: args.Carbs, Fat: args.Fat}
	item, err := m.svc.AddQuickEntry(ctx, d, mt, args.Name, n)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"date": core.FormatDate(d),
		"item": item,
	}
	// The day was invalidated by the write; report its speculative state.
	if e, ok := m.svc.Store().Get(cache.DayKey(d)); ok && e.Loaded() {
		var day api.DaySummary
		if err := e.Decode(&day); err == nil {
			result["remaining"] = day.Remaining
		}
	}
	return result, nil
}

func (m *mcpServer) deleteWorkout(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args DeleteWorkoutParams
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.WorkoutID == "" {
		return nil, fmt.Errorf("workout_id is required")
	}
	if err := m.svc.DeleteWorkout(ctx, args.WorkoutID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": args.WorkoutID}, nil
}

func (m *mcpServer) write(resp MCPResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintln(m.out, string(data))
}

func (m *mcpServer) sendResponse(id interface{}, result interface{}) {
	m.write(MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (m *mcpServer) sendError(id interface{}, code int, message, data string) {
	m.write(MCPResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (m *mcpServer) sendToolResult(id interface{}, result interface{}) {
	m.sendResponse(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": mustMarshal(result),
			},
		},
	})
}

func (m *mcpServer) sendToolError(id interface{}, message string) {
	m.sendResponse(id, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": message,
			},
		},
		"isError": true,
	})
}

func mustMarshal(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return string(data)
}
