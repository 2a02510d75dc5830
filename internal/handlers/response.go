package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	xhttp "github.com/nimasrn/chat-relay/pkg/http"
)

// envelope wraps every UI API response.
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeData(ctx *xhttp.RequestCtx, status int, data any) {
	writeJSON(ctx, status, envelope{Success: true, Data: data, Timestamp: timestamp()})
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, envelope{Error: &errorBody{Code: status, Message: msg}, Timestamp: timestamp()})
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func queryInt(ctx *xhttp.RequestCtx, key string) (int, bool) {
	v := query(ctx, key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func param(ctx *xhttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func form(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.PostArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
