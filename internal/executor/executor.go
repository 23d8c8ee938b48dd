// Package executor dispatches claimed jobs to the external device
// runner and enriches failed runs with LLM-backed analysis.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrel-ci/kestrel/internal/llm"
	"github.com/kestrel-ci/kestrel/internal/queue"
	"github.com/kestrel-ci/kestrel/internal/retry"
)

// runRequest is the payload sent to the device runner.
type runRequest struct {
	JobID       string            `json:"job_id"`
	TestRunID   string            `json:"test_run_id"`
	TestSuiteID string            `json:"test_suite_id"`
	DeviceID    string            `json:"device_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// runResponse is the device runner's report for one execution.
type runResponse struct {
	Success      bool   `json:"success"`
	PassedCount  int    `json:"passed_count"`
	FailedCount  int    `json:"failed_count"`
	SkippedCount int    `json:"skipped_count"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	RawOutput    string `json:"raw_output,omitempty"`
}

// DeviceRunnerExecutor implements queue.Executor against the device
// runner's HTTP contract. When an invoker is configured, failed runs get
// an LLM-generated failure summary appended to the result.
type DeviceRunnerExecutor struct {
	runnerURL string
	client    *http.Client
	invoker   *llm.ResilientInvoker
	logger    *slog.Logger
}

// compile-time interface check
var _ queue.Executor = (*DeviceRunnerExecutor)(nil)

// NewDeviceRunnerExecutor creates an executor dispatching to runnerURL.
// invoker may be nil to disable failure analysis.
func NewDeviceRunnerExecutor(runnerURL string, invoker *llm.ResilientInvoker, logger *slog.Logger) *DeviceRunnerExecutor {
	return &DeviceRunnerExecutor{
		runnerURL: runnerURL,
		client:    &http.Client{},
		invoker:   invoker,
		logger:    logger,
	}
}

// ExecuteJob runs one job on its device and returns the result. The
// device runner owns the actual Appium session; this side only reports
// coarse progress around the dispatch.
func (e *DeviceRunnerExecutor) ExecuteJob(ctx context.Context, job *queue.Job, progress func(int)) (*queue.Result, error) {
	progress(5)

	body, err := json.Marshal(runRequest{
		JobID:       job.ID.String(),
		TestRunID:   job.TestRunID,
		TestSuiteID: job.TestSuiteID,
		DeviceID:    job.DeviceID,
		Metadata:    job.Metadata,
	})
	if err != nil {
		return nil, retry.NewClassifiedError(retry.KindInvalidRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.runnerURL+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, retry.NewClassifiedError(retry.KindInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retry.NewClassifiedError(retry.KindTimeout, err)
		}
		return nil, retry.NewClassifiedError(retry.KindNetworkError, err)
	}
	defer func() { _ = resp.Body.Close() }()
	progress(90)

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("device runner returned %d: %s", resp.StatusCode, string(msg))
		switch {
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusServiceUnavailable:
			// Device busy or runner draining; worth retrying.
			return nil, retry.NewClassifiedError(retry.KindServerError, err)
		case resp.StatusCode >= 500:
			return nil, retry.NewClassifiedError(retry.KindServerError, err)
		default:
			return nil, retry.NewClassifiedError(retry.KindInvalidRequest, err)
		}
	}

	var report runResponse
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, retry.NewClassifiedError(retry.KindServerError, fmt.Errorf("failed to decode runner response: %w", err))
	}

	result := &queue.Result{
		JobID:         job.ID,
		Success:       report.Success,
		PassedCount:   report.PassedCount,
		FailedCount:   report.FailedCount,
		SkippedCount:  report.SkippedCount,
		TotalDuration: time.Duration(report.DurationMs) * time.Millisecond,
		ErrorMessage:  report.ErrorMessage,
	}

	if !report.Success && e.invoker != nil && report.RawOutput != "" {
		if summary := e.analyzeFailure(ctx, job, report.RawOutput); summary != "" {
			// The runner's own error stays verbatim; the diagnosis is
			// appended, never substituted.
			if result.ErrorMessage == "" {
				result.ErrorMessage = summary
			} else {
				result.ErrorMessage = result.ErrorMessage + "; analysis: " + summary
			}
		}
	}

	progress(100)
	return result, nil
}

// analyzeFailure asks the LLM for a short diagnosis of the raw runner
// output. Analysis is best-effort; any failure falls back to the raw
// error message.
func (e *DeviceRunnerExecutor) analyzeFailure(ctx context.Context, job *queue.Job, rawOutput string) string {
	const maxOutput = 8192
	if len(rawOutput) > maxOutput {
		rawOutput = rawOutput[len(rawOutput)-maxOutput:]
	}

	resp, err := e.invoker.CreateCompletion(ctx, llm.CompletionRequest{
		SystemInstruction: "You analyze mobile UI test failures. Answer with a one-paragraph diagnosis.",
		Prompt: fmt.Sprintf("Test suite %s failed on device %s. Runner output:\n\n%s",
			job.TestSuiteID, job.DeviceID, rawOutput),
		MaxOutputTokens: 256,
	})
	if err != nil {
		e.logger.Warn("failure analysis unavailable",
			"job_id", job.ID,
			"error", err)
		return ""
	}
	return resp.Text
}
