package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/etlflow/internal/domain"
)

const (
	defaultHTTPTimeout          = 30 * time.Second
	defaultPipelinePollInterval = 10 * time.Second
)

// Config — настройки executor'ов по умолчанию.
type Config struct {
	// HTTPClient — клиент для http/function/pipeline шагов (default: с таймаутом 30s).
	HTTPClient *http.Client

	// PipelinePollInterval — как часто опрашивать статус pipeline run (default: 10s).
	PipelinePollInterval time.Duration

	// Logger
	Logger *slog.Logger
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// httpResponse — распарсенный ответ.
type httpResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       any
	Raw        []byte
}

func (r *httpResponse) outputs() map[string]any {
	return map[string]any{
		"status_code": r.StatusCode,
		"headers":     r.Headers,
		"body":        r.Body,
	}
}

// doJSON выполняет запрос; body сериализуется в JSON.
func doJSON(ctx context.Context, client *http.Client, method, rawURL string, headers map[string]string, body any) (*httpResponse, error) {
	var bodyReader io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			bodyReader = strings.NewReader(s)
		} else {
			bodyBytes, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
			}
			bodyReader = bytes.NewReader(bodyBytes)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrHTTPRequest, err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		respHeaders[key] = resp.Header.Get(key)
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	return &httpResponse{
		StatusCode: resp.StatusCode,
		Headers:    respHeaders,
		Body:       parsed,
		Raw:        raw,
	}, nil
}

// checkStatus превращает HTTP >= 400 в ошибку.
func checkStatus(resp *httpResponse) error {
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(resp.Raw), 200))
	}
	return nil
}

// renderBody рендерит строковые значения тела запроса.
func renderBody(req *Request, body any) (any, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case string:
		return req.Render(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := renderBody(req, val)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := renderBody(req, val)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// HTTPExecutor — executor для шага типа "http".
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
type HTTPExecutor struct {
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, req *Request) Result {
	step := req.Step.HTTP
	if step == nil {
		return Failed(fmt.Errorf("%w: missing http payload", ErrHTTPRequest))
	}

	method := step.Method
	if method == "" {
		method = http.MethodGet
	}

	target, err := req.Render(step.URL)
	if err != nil {
		return Failed(err)
	}
	if target == "" {
		return Failed(fmt.Errorf("%w: url is required", ErrHTTPRequest))
	}

	headers := make(map[string]string, len(step.Headers))
	for key, val := range step.Headers {
		rendered, err := req.Render(val)
		if err != nil {
			return Failed(err)
		}
		headers[key] = rendered
	}

	body, err := renderBody(req, step.Body)
	if err != nil {
		return Failed(err)
	}

	resp, err := doJSON(ctx, clientOrDefault(e.Client), method, target, headers, body)
	if err != nil {
		return FromError(ctx, err)
	}

	result := Succeeded(resp.outputs())
	if err := checkStatus(resp); err != nil {
		result.Outcome = OutcomeFailure
		result.Err = err
	}
	return result
}

// FunctionExecutor — executor для шага типа "function".
//
// Вызывает POST {resource.URL}/api/{function_name} с ключом в заголовке x-functions-key.
// Если ответ — JSON с полем "warnings" (список строк), шаг завершится WARNING.
type FunctionExecutor struct {
	Client *http.Client
}

// Execute вызывает функцию.
func (e *FunctionExecutor) Execute(ctx context.Context, req *Request) Result {
	step := req.Step.Function
	if step == nil {
		return Failed(fmt.Errorf("%w: missing function payload", ErrHTTPRequest))
	}
	if req.Resource == nil || req.Resource.Kind != domain.ResourceFunctionApp {
		return Failed(fmt.Errorf("%w: function step %s needs a function_app resource", ErrMissingResource, req.Step.ID))
	}

	name, err := req.Render(step.FunctionName)
	if err != nil {
		return Failed(err)
	}

	body := step.Body
	if body == nil {
		body = req.Params
	}
	body, err = renderBody(req, body)
	if err != nil {
		return Failed(err)
	}

	headers := map[string]string{}
	if req.Resource.Key != "" {
		headers["x-functions-key"] = req.Resource.Key
	}

	target := strings.TrimRight(req.Resource.URL, "/") + "/api/" + url.PathEscape(name)
	resp, err := doJSON(ctx, clientOrDefault(e.Client), http.MethodPost, target, headers, body)
	if err != nil {
		return FromError(ctx, err)
	}
	if err := checkStatus(resp); err != nil {
		return Failed(err)
	}

	result := Succeeded(resp.outputs())
	if m, ok := resp.Body.(map[string]any); ok {
		result.Warnings = stringList(m["warnings"])
		result.Info = stringList(m["messages"])
	}
	return result
}

// PipelineExecutor — executor для шага типа "pipeline".
//
// Запускает pipeline через pipeline client:
//
//	POST {resource.URL}/pipelines/{name}/runs   → {"run_id": "..."}
//	GET  {resource.URL}/pipelines/runs/{run_id} → {"status": "InProgress|Succeeded|Failed|Cancelled"}
//
// и опрашивает статус, пока run не завершится. При отмене шага отправляет
// POST {resource.URL}/pipelines/runs/{run_id}/cancel.
type PipelineExecutor struct {
	Client       *http.Client
	PollInterval time.Duration
}

// Execute запускает pipeline и ждёт его завершения.
func (e *PipelineExecutor) Execute(ctx context.Context, req *Request) Result {
	step := req.Step.Pipeline
	if step == nil {
		return Failed(fmt.Errorf("%w: missing pipeline payload", ErrHTTPRequest))
	}
	if req.Resource == nil || req.Resource.Kind != domain.ResourcePipelineClient {
		return Failed(fmt.Errorf("%w: pipeline step %s needs a pipeline_client resource", ErrMissingResource, req.Step.ID))
	}

	client := clientOrDefault(e.Client)
	base := strings.TrimRight(req.Resource.URL, "/")
	headers := map[string]string{}
	if req.Resource.Key != "" {
		headers["Authorization"] = "Bearer " + req.Resource.Key
	}

	name, err := req.Render(step.PipelineName)
	if err != nil {
		return Failed(err)
	}

	resp, err := doJSON(ctx, client, http.MethodPost,
		base+"/pipelines/"+url.PathEscape(name)+"/runs", headers, map[string]any{"parameters": req.Params})
	if err != nil {
		return FromError(ctx, err)
	}
	if err := checkStatus(resp); err != nil {
		return Failed(err)
	}

	body, _ := resp.Body.(map[string]any)
	runID, _ := body["run_id"].(string)
	if runID == "" {
		return Failed(fmt.Errorf("%w: pipeline client returned no run_id", ErrPipelineFailed))
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = defaultPipelinePollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statusURL := base + "/pipelines/runs/" + url.PathEscape(runID)
	for {
		select {
		case <-ctx.Done():
			// Отмена шага: просим pipeline client остановить run.
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHTTPTimeout)
			_, _ = doJSON(cancelCtx, client, http.MethodPost, statusURL+"/cancel", headers, nil)
			cancel()
			return Cancelled(ctx.Err())
		case <-ticker.C:
		}

		resp, err := doJSON(ctx, client, http.MethodGet, statusURL, headers, nil)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return Failed(err)
		}
		if err := checkStatus(resp); err != nil {
			return Failed(err)
		}

		body, _ := resp.Body.(map[string]any)
		status, _ := body["status"].(string)
		outputs := map[string]any{"pipeline_run_id": runID, "status": status}

		switch strings.ToLower(status) {
		case "succeeded":
			return Succeeded(outputs)
		case "failed":
			msg, _ := body["message"].(string)
			return Result{Outcome: OutcomeFailure, Outputs: outputs,
				Err: fmt.Errorf("%w: %s: %s", ErrPipelineFailed, runID, msg)}
		case "cancelled", "canceled":
			return Result{Outcome: OutcomeCancel, Outputs: outputs,
				Err: fmt.Errorf("pipeline run %s cancelled externally", runID)}
		}
	}
}

func clientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
