// ABOUTME: Trigger node types: manual runs and HTTP webhooks.
// ABOUTME: Webhook nodes expose their endpoint to the trigger matcher and emit the request as an item.
package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/2389-research/flowline/engine"
	"github.com/2389-research/flowline/trigger"
	"github.com/2389-research/flowline/workflow"
)

// ManualTrigger starts a workflow on demand. It emits the run's input items.
type ManualTrigger struct{}

func (ManualTrigger) Definition() engine.Definition {
	return engine.Definition{
		Type:         "manualTrigger",
		DisplayName:  "Manual Trigger",
		Description:  "Starts the workflow when run manually",
		Capabilities: executable(engine.CapTrigger),
	}
}

func (ManualTrigger) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	return engine.ItemsResult(triggerItems(in)), nil
}

// triggerItems emits the start items, or a single empty item so downstream
// nodes always have something to run on.
func triggerItems(in engine.Input) workflow.Items {
	if items := in.Main(); len(items) > 0 {
		return items
	}
	return workflow.Items{{}}
}

// Webhook starts a workflow when its HTTP endpoint is called.
type Webhook struct{}

var _ trigger.EndpointProvider = (*Webhook)(nil)

func (Webhook) Definition() engine.Definition {
	return engine.Definition{
		Type:        "webhook",
		DisplayName: "Webhook",
		Description: "Starts the workflow when an HTTP request reaches /webhook/<path>",
		Parameters: []engine.ParameterSpec{
			{Name: "path", Type: "string", Required: true, Description: "Path pattern; :name captures a segment, *name the rest"},
			{Name: "httpMethod", Type: "string|list", Default: "POST"},
			{Name: "authentication", Type: "object", Description: "{type: none|header|basic, name, value, user, password}"},
		},
		Capabilities: executable(engine.CapTrigger),
	}
}

func (Webhook) Execute(ctx context.Context, in engine.Input, params engine.Parameters, rt *engine.Runtime) (engine.Result, error) {
	return engine.ItemsResult(triggerItems(in)), nil
}

// Endpoint reads the webhook's path, methods, and credential.
func (Webhook) Endpoint(params engine.Parameters) (trigger.Endpoint, error) {
	path := params.String("path", "")
	if err := trigger.ValidatePattern(path); err != nil {
		return trigger.Endpoint{}, err
	}
	ep := trigger.Endpoint{Path: path, Methods: params.Strings("httpMethod")}
	auth := engine.Parameters(params.Map("authentication"))
	switch t := trigger.AuthType(auth.String("type", string(trigger.AuthNone))); t {
	case trigger.AuthNone:
	case trigger.AuthHeader:
		ep.Auth = trigger.Auth{Type: t, HeaderName: auth.String("name", ""), HeaderValue: auth.String("value", "")}
	case trigger.AuthBasic:
		ep.Auth = trigger.Auth{Type: t, Username: auth.String("user", ""), Password: auth.String("password", "")}
	default:
		return trigger.Endpoint{}, fmt.Errorf("unknown authentication type %q", t)
	}
	return ep, nil
}

// RequestItem describes an inbound webhook request as a workflow item:
// {method, path, params, query, headers, body}. JSON bodies are decoded,
// form bodies become field maps, anything else is kept as text.
func RequestItem(r *http.Request, body []byte, pathParams map[string]string) workflow.Item {
	headers := make(map[string]any, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	params := make(map[string]any, len(pathParams))
	for k, v := range pathParams {
		params[k] = v
	}
	return workflow.Item{
		"method":  r.Method,
		"path":    r.URL.Path,
		"params":  params,
		"query":   flattenValues(r.URL.Query()),
		"headers": headers,
		"body":    decodeBody(r.Header.Get("Content-Type"), body),
	}
}

func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return map[string]any{}
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	case mediaType == "application/x-www-form-urlencoded":
		if vals, err := url.ParseQuery(string(body)); err == nil {
			return flattenValues(vals)
		}
	}
	return string(body)
}

// flattenValues keeps single values as strings and repeated ones as lists.
func flattenValues(vals url.Values) map[string]any {
	out := make(map[string]any, len(vals))
	for k, v := range vals {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		out[k] = list
	}
	return out
}
