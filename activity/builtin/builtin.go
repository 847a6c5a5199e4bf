// Package builtin ships the activity handlers FlowForge registers out of the
// box: log, delay, condition, waitSignal, setState, script and httpRequest.
//
// Handlers read their configuration from the resolved input first and fall
// back to the activity definition's static properties, so a value can be
// provided either way.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/flowforge/activity"
	"github.com/flowforge/flowforge/expr"
)

// Register adds all built-in handlers to the registry.
func Register(r *activity.Registry) error {
	handlers := map[string]activity.Handler{
		"log":         activity.HandlerFunc(logHandler),
		"delay":       activity.HandlerFunc(delayHandler),
		"condition":   activity.HandlerFunc(conditionHandler),
		"waitSignal":  activity.HandlerFunc(waitSignalHandler),
		"setState":    activity.HandlerFunc(setStateHandler),
		"script":      activity.HandlerFunc(scriptHandler),
		"httpRequest": activity.HandlerFunc(httpRequestHandler),
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// setting reads a configuration value from the resolved input, falling back
// to the activity's static properties.
func setting(actx *activity.Context, key string) (any, bool) {
	if v, ok := actx.Input[key]; ok {
		return v, true
	}
	if actx.Definition != nil {
		if v, ok := actx.Definition.Properties[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringSetting(actx *activity.Context, key string) string {
	v, _ := setting(actx, key)
	s, _ := v.(string)
	return s
}

// logHandler writes the interpolated message to the handler logger.
func logHandler(ctx context.Context, actx *activity.Context) (activity.Result, error) {
	msg := expr.Interpolate(stringSetting(actx, "message"), actx.Instance)
	level := strings.ToLower(stringSetting(actx, "level"))
	if actx.Services != nil && actx.Services.Logger != nil {
		switch level {
		case "debug":
			actx.Services.Logger.Debug(ctx, msg, "instance_id", actx.Instance.ID)
		case "warn":
			actx.Services.Logger.Warn(ctx, msg, "instance_id", actx.Instance.ID)
		case "error":
			actx.Services.Logger.Error(ctx, msg, "instance_id", actx.Instance.ID)
		default:
			actx.Services.Logger.Info(ctx, msg, "instance_id", actx.Instance.ID)
		}
	}
	return activity.Ok{Output: map[string]any{"message": msg}}, nil
}

// delayHandler sleeps for the configured duration, honoring cancellation.
// The duration comes from "duration" (Go duration string) or "durationMs".
func delayHandler(ctx context.Context, actx *activity.Context) (activity.Result, error) {
	var d time.Duration
	if s := stringSetting(actx, "duration"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return activity.Fail{Code: "INVALID_DURATION", Message: err.Error()}, nil
		}
		d = parsed
	} else if v, ok := setting(actx, "durationMs"); ok {
		if ms, ok := toFloat(v); ok {
			d = time.Duration(ms) * time.Millisecond
		}
	}
	if d <= 0 {
		return activity.Ok{}, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return activity.Ok{Output: map[string]any{"slept": d.String()}}, nil
	}
}

// conditionHandler evaluates the "expression" predicate and reports the
// boolean result. Transitions guard on state keys mapped from "result".
func conditionHandler(_ context.Context, actx *activity.Context) (activity.Result, error) {
	cond := stringSetting(actx, "expression")
	result := expr.EvalPredicate(cond, actx.Instance)
	return activity.Ok{Output: map[string]any{"result": result}}, nil
}

// waitSignalHandler suspends the instance until the named signal arrives.
func waitSignalHandler(_ context.Context, actx *activity.Context) (activity.Result, error) {
	name := stringSetting(actx, "name")
	if name == "" {
		name = stringSetting(actx, "signal")
	}
	if name == "" {
		return activity.Fail{Code: "MISSING_SIGNAL_NAME", Message: "waitSignal requires a signal name"}, nil
	}
	return activity.Suspend{Key: name}, nil
}

// setStateHandler passes its resolved input through as output; output
// mappings route the values into instance state.
func setStateHandler(_ context.Context, actx *activity.Context) (activity.Result, error) {
	out := make(map[string]any, len(actx.Input))
	for k, v := range actx.Input {
		out[k] = v
	}
	return activity.Ok{Output: out}, nil
}

// scriptHandler evaluates the "expression" script through the bounded
// evaluator and reports the result.
func scriptHandler(ctx context.Context, actx *activity.Context) (activity.Result, error) {
	if actx.Services == nil || actx.Services.Script == nil {
		return activity.Fail{Code: "SCRIPT_UNAVAILABLE", Message: "no script evaluator configured"}, nil
	}
	src := stringSetting(actx, "expression")
	v, err := actx.Services.Script.Eval(ctx, src, actx.Instance)
	if err != nil {
		return activity.Fail{Code: "EXPRESSION_ERROR", Message: err.Error()}, nil
	}
	return activity.Ok{Output: map[string]any{"result": v}}, nil
}

// httpRequestHandler performs an outbound HTTP call. Non-2xx responses fail
// with code HTTP_<status> and are retriable for 5xx.
func httpRequestHandler(ctx context.Context, actx *activity.Context) (activity.Result, error) {
	if actx.Services == nil || actx.Services.HTTPClient == nil {
		return activity.Fail{Code: "HTTP_UNAVAILABLE", Message: "no HTTP client configured"}, nil
	}
	url := expr.Interpolate(stringSetting(actx, "url"), actx.Instance)
	if url == "" {
		return activity.Fail{Code: "MISSING_URL", Message: "httpRequest requires a url"}, nil
	}
	method := strings.ToUpper(stringSetting(actx, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if v, ok := setting(actx, "body"); ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return activity.Fail{Code: "INVALID_BODY", Message: err.Error()}, nil
		}
		body = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return activity.Fail{Code: "INVALID_REQUEST", Message: err.Error()}, nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hs, ok := setting(actx, "headers"); ok {
		if m, ok := hs.(map[string]any); ok {
			for k, v := range m {
				req.Header.Set(k, expr.Stringify(v))
			}
		}
	}

	resp, err := actx.Services.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return activity.Fail{Code: "HTTP_ERROR", Message: err.Error(), Retriable: true}, nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return activity.Fail{Code: "HTTP_ERROR", Message: err.Error(), Retriable: true}, nil
	}

	out := map[string]any{"status": float64(resp.StatusCode)}
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		out["body"] = decoded
	} else {
		out["body"] = string(raw)
	}
	if resp.StatusCode >= 400 {
		return activity.Fail{
			Code:      fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:   fmt.Sprintf("%s %s returned %s", method, url, resp.Status),
			Retriable: resp.StatusCode >= 500,
		}, nil
	}
	return activity.Ok{Output: out}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
