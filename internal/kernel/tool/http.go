package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noetl/orchestrator/internal/kernel/auth"
	"github.com/noetl/orchestrator/internal/kernelerr"
)

// HTTP is the `http` tool kind (§4.7), generalizing the teacher's
// http_worker.go request-building and response-classification pattern to
// the fuller config surface the spec requires (params, json/form bodies,
// response_type, resolved auth).
type HTTP struct {
	client *http.Client
}

func NewHTTP() *HTTP {
	return &HTTP{client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Name() string { return "http" }

func (h *HTTP) Execute(ctx context.Context, cfg Config) (Result, error) {
	rawURL, _ := cfg.Map["url"].(string)
	if rawURL == "" {
		return Result{}, kernelerr.New(kernelerr.Validation, "http tool requires a url")
	}
	method, _ := cfg.Map["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	if params, ok := cfg.Map["params"].(map[string]interface{}); ok && len(params) > 0 {
		u, err := url.Parse(rawURL)
		if err != nil {
			return Result{}, kernelerr.Wrap(kernelerr.Validation, "parse http url", err)
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		rawURL = u.String()
	}

	body, contentType, err := buildBody(cfg.Map)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, body)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Validation, "build http request", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := cfg.Map["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	creds, err := auth.Resolve(ctx, cfg.Auth, cfg.Secrets)
	if err != nil {
		return Result{}, err
	}
	creds.ApplyToRequest(req)

	client := h.client
	if followRedirects, ok := cfg.Map["follow_redirects"].(bool); ok && !followRedirects {
		client = &http.Client{
			Timeout: h.client.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Transient, "execute http request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, kernelerr.Wrap(kernelerr.Transient, "read http response", err)
	}

	responseType, _ := cfg.Map["response_type"].(string)
	var decoded interface{}
	switch responseType {
	case "text":
		decoded = string(respBody)
	case "binary":
		decoded = respBody
	default:
		if jsonErr := json.Unmarshal(respBody, &decoded); jsonErr != nil {
			decoded = string(respBody)
		}
	}

	data := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     resp.Header,
		"body":        decoded,
	}

	status := StatusSuccess
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = StatusError
	}
	return Result{Status: status, Data: data}, nil
}

func buildBody(cfg map[string]interface{}) (io.Reader, string, error) {
	if payload, ok := cfg["json"]; ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", kernelerr.Wrap(kernelerr.Validation, "marshal http json body", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
	if form, ok := cfg["form"].(map[string]interface{}); ok {
		values := url.Values{}
		for k, v := range form {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	}
	if raw, ok := cfg["body"].(string); ok && raw != "" {
		return strings.NewReader(raw), "", nil
	}
	return nil, "", nil
}
