// ABOUTME: HTTP node types: httpRequest calls an external URL, respondToWebhook answers the triggering request.
// ABOUTME: Responses are decoded as JSON when possible and can be narrowed with a gjson path.
package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/workflow"
)

const maxResponseBytes = 10 << 20

// HTTPRequest performs one HTTP call per activation.
type HTTPRequest struct {
	Client *http.Client
}

func (h *HTTPRequest) Definition() engine.Definition {
	return engine.Definition{
		Type:        "httpRequest",
		DisplayName: "HTTP Request",
		Description: "Calls an HTTP endpoint",
		Parameters: []engine.ParameterSpec{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Default: "GET"},
			{Name: "headers", Type: "object"},
			{Name: "query", Type: "object"},
			{Name: "body", Type: "any", Description: "objects and lists are sent as JSON"},
			{Name: "responsePath", Type: "string", Description: "gjson path selecting part of a JSON response"},
			{Name: "splitIntoItems", Type: "boolean", Default: false, Description: "emit one item per array element"},
			{Name: "ignoreHttpErrors", Type: "boolean", Default: false},
		},
		Capabilities: executable(),
	}
}

func (h *HTTPRequest) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	resp, err := doRequest(ctx, h.client(), requestSpec{
		method:  params.String("method", http.MethodGet),
		url:     params.String("url", ""),
		headers: params.Map("headers"),
		query:   params.Map("query"),
		body:    params["body"],
	})
	if err != nil {
		return engine.Result{}, err
	}
	if resp.status >= 400 && !params.Bool("ignoreHttpErrors", false) {
		return engine.Result{}, fmt.Errorf("request failed with status %d: %s", resp.status, truncate(string(resp.body), 512))
	}

	body := resp.decoded()
	if path := params.String("responsePath", ""); path != "" {
		res := gjson.GetBytes(resp.body, path)
		if !res.Exists() {
			return engine.Result{}, fmt.Errorf("response has nothing at %q", path)
		}
		body = res.Value()
	}
	if params.Bool("splitIntoItems", false) {
		return engine.ItemsResult(workflow.ItemsFromValue(body)), nil
	}
	return engine.ItemsResult(workflow.Items{{
		"statusCode": resp.status,
		"headers":    resp.headers,
		"body":       body,
	}}), nil
}

func (h *HTTPRequest) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

type requestSpec struct {
	method  string
	url     string
	headers map[string]any
	query   map[string]any
	body    any
}

type responseData struct {
	status  int
	headers map[string]any
	body    []byte
}

// decoded returns the body as JSON when it parses, otherwise as text.
func (r responseData) decoded() any {
	if len(r.body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r.body, &v); err == nil {
		return v
	}
	return string(r.body)
}

func doRequest(ctx context.Context, client *http.Client, rs requestSpec) (responseData, error) {
	if rs.url == "" {
		return responseData{}, fmt.Errorf("url is required")
	}
	u, err := url.Parse(rs.url)
	if err != nil {
		return responseData{}, fmt.Errorf("parse url: %w", err)
	}
	if len(rs.query) > 0 {
		q := u.Query()
		for k, v := range rs.query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var reader io.Reader
	contentType := ""
	switch b := rs.body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return responseData{}, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(rs.method), u.String(), reader)
	if err != nil {
		return responseData{}, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range rs.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := client.Do(req)
	if err != nil {
		return responseData{}, fmt.Errorf("%s %s: %w", req.Method, u.Redacted(), err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return responseData{}, fmt.Errorf("read response: %w", err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return responseData{status: resp.StatusCode, headers: headers, body: data}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RespondToWebhook sets the HTTP response returned to the webhook caller.
type RespondToWebhook struct{}

func (RespondToWebhook) Definition() engine.Definition {
	return engine.Definition{
		Type:        "respondToWebhook",
		DisplayName: "Respond to Webhook",
		Description: "Returns a custom response to the webhook caller",
		Parameters: []engine.ParameterSpec{
			{Name: "statusCode", Type: "number", Default: 200},
			{Name: "respondWith", Type: "string", Default: "firstItem", Description: "firstItem, allItems, text, or json"},
			{Name: "body", Type: "any", Description: "used by text and json"},
			{Name: "headers", Type: "object"},
			{Name: "cookies", Type: "list", Description: "[{name, value, path, maxAge, httpOnly, secure}]"},
		},
		Capabilities: executable(engine.CapResponseProducer),
	}
}

func (RespondToWebhook) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	resp := engine.WebhookResponse{
		StatusCode: params.Int("statusCode", http.StatusOK),
		Headers:    make(map[string]string),
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return engine.Result{}, fmt.Errorf("invalid status code %d", resp.StatusCode)
	}
	items := in.Main()

	var payload any
	switch mode := params.String("respondWith", "firstItem"); mode {
	case "firstItem":
		if len(items) > 0 {
			payload = items[0]
		} else {
			payload = map[string]any{}
		}
	case "allItems":
		payload = items
	case "json":
		payload = params["body"]
	case "text":
		resp.Body = []byte(params.String("body", ""))
		resp.Headers["Content-Type"] = "text/plain; charset=utf-8"
	default:
		return engine.Result{}, fmt.Errorf("unknown respondWith %q", mode)
	}
	if resp.Body == nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return engine.Result{}, fmt.Errorf("encode response: %w", err)
		}
		resp.Body = data
		resp.Headers["Content-Type"] = "application/json"
	}
	for k, v := range params.Map("headers") {
		resp.Headers[k] = fmt.Sprint(v)
	}
	for i, raw := range params.Slice("cookies") {
		m, ok := raw.(map[string]any)
		if !ok {
			return engine.Result{}, fmt.Errorf("cookie %d is not an object", i)
		}
		cp := engine.Parameters(m)
		name := cp.String("name", "")
		if name == "" {
			return engine.Result{}, fmt.Errorf("cookie %d has no name", i)
		}
		resp.Cookies = append(resp.Cookies, &http.Cookie{
			Name:     name,
			Value:    cp.String("value", ""),
			Path:     cp.String("path", "/"),
			MaxAge:   cp.Int("maxAge", 0),
			HttpOnly: cp.Bool("httpOnly", false),
			Secure:   cp.Bool("secure", false),
		})
	}
	if err := rt.Respond(resp); err != nil {
		return engine.Result{}, err
	}
	return engine.ItemsResult(items), nil
}
