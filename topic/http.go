package topic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/cenkalti/backoff/v4"
)

// Descriptor declares an HTTP-backed topic handler in YAML.
type Descriptor struct {
	Topic   string            `yaml:"topic" json:"topic"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Body is a template; ${name} placeholders expand to variable values.
	// When empty and the method allows a body, the variable snapshot is sent
	// as a JSON object instead.
	Body string `yaml:"body,omitempty" json:"body,omitempty"`

	// Extract maps result variable names to JSONPath expressions evaluated
	// against the response body.
	Extract map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries int           `yaml:"retries,omitempty" json:"retries,omitempty"`

	// Async marks the handler as dispatch-only: the engine parks the token
	// and waits for completeAsync. The callback id is sent in the
	// X-Callback-ID header and as the ${callbackId} placeholder.
	Async bool `yaml:"async,omitempty" json:"async,omitempty"`
}

// Validate checks the descriptor before registration.
func (d *Descriptor) Validate() error {
	if d.Topic == "" {
		return fmt.Errorf("descriptor has no topic")
	}
	if d.URL == "" {
		return fmt.Errorf("descriptor %q has no url", d.Topic)
	}
	if d.Method != "" {
		switch strings.ToUpper(d.Method) {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return fmt.Errorf("descriptor %q has unsupported method %q", d.Topic, d.Method)
		}
	}
	if d.Retries < 0 {
		return fmt.Errorf("descriptor %q has negative retries", d.Topic)
	}
	return nil
}

// HTTPHandler invokes an external service per a Descriptor.
type HTTPHandler struct {
	desc       Descriptor
	client     *http.Client
	defTimeout time.Duration
	maxRetries int
}

// NewHTTPHandler builds a handler from a validated descriptor. Defaults apply
// when the descriptor leaves timeout or retries unset.
func NewHTTPHandler(desc Descriptor, client *http.Client, defaultTimeout time.Duration, defaultRetries int) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	if desc.Method == "" {
		desc.Method = http.MethodPost
	}
	desc.Method = strings.ToUpper(desc.Method)
	retries := defaultRetries
	if desc.Retries > 0 {
		retries = desc.Retries
	}
	timeout := defaultTimeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	return &HTTPHandler{desc: desc, client: client, defTimeout: timeout, maxRetries: retries}
}

// Descriptor returns the handler's declaration.
func (h *HTTPHandler) Descriptor() Descriptor { return h.desc }

// Invoke performs the HTTP call with exponential-backoff retries. Responses
// with 5xx status retry; 4xx fail immediately.
func (h *HTTPHandler) Invoke(ctx context.Context, req Request) (Result, error) {
	if h.defTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.defTimeout)
		defer cancel()
	}

	var body []byte
	operation := func() error {
		var err error
		body, err = h.call(ctx, req)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(h.maxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Result{}, fmt.Errorf("%w: topic %q: %w", ErrInvocation, req.Topic, err)
	}

	if h.desc.Async {
		return Result{Async: true}, nil
	}
	vars, err := h.extract(body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: topic %q: %v", ErrInvocation, req.Topic, err)
	}
	return Result{Variables: vars}, nil
}

func (h *HTTPHandler) call(ctx context.Context, req Request) ([]byte, error) {
	target, err := expandURL(h.desc.URL, req)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	var payload io.Reader
	if h.desc.Method != http.MethodGet && h.desc.Method != http.MethodDelete {
		if h.desc.Body != "" {
			expanded, err := Expand(h.desc.Body, req)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			payload = strings.NewReader(expanded)
		} else {
			encoded, err := json.Marshal(requestEnvelope(req))
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			payload = bytes.NewReader(encoded)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, h.desc.Method, target, payload)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.desc.Headers {
		value, err := Expand(v, req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set(k, value)
	}
	if req.CallbackID != "" {
		httpReq.Header.Set("X-Callback-ID", req.CallbackID)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
	return body, nil
}

func (h *HTTPHandler) extract(body []byte) (map[string]any, error) {
	if len(h.desc.Extract) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	vars := make(map[string]any, len(h.desc.Extract))
	for name, path := range h.desc.Extract {
		value, err := jsonpath.Get(path, doc)
		if err != nil {
			// Missing paths are skipped, not fatal.
			continue
		}
		vars[name] = value
	}
	return vars, nil
}

func requestEnvelope(req Request) map[string]any {
	return map[string]any{
		"instance":  req.Instance,
		"node":      req.Node,
		"topic":     req.Topic,
		"variables": req.Variables,
	}
}

var placeholder = regexp.MustCompile(`\$\{(\w+)\}`)

// Expand substitutes ${name} placeholders with variable values. The built-in
// names instance, node, topic and callbackId resolve to request fields. A
// name that is neither a built-in nor a variable is ErrBadTemplate.
func Expand(template string, req Request) (string, error) {
	var missing string
	out := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		v, ok := lookupPlaceholder(name, req)
		if !ok && missing == "" {
			missing = name
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("%w: ${%s}", ErrBadTemplate, missing)
	}
	return out, nil
}

func expandURL(template string, req Request) (string, error) {
	var missing string
	expanded := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		v, ok := lookupPlaceholder(name, req)
		if !ok && missing == "" {
			missing = name
		}
		return url.QueryEscape(v)
	})
	if missing != "" {
		return "", fmt.Errorf("%w: ${%s}", ErrBadTemplate, missing)
	}
	if _, err := url.Parse(expanded); err != nil {
		return "", fmt.Errorf("bad url %q: %w", expanded, err)
	}
	return expanded, nil
}

func lookupPlaceholder(name string, req Request) (string, bool) {
	switch name {
	case "instance":
		return req.Instance, true
	case "node":
		return req.Node, true
	case "topic":
		return req.Topic, true
	case "callbackId":
		return req.CallbackID, true
	}
	if v, ok := req.Variables[name]; ok {
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}
