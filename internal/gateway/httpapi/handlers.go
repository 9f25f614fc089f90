package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/sandboxlab/sandboxd/internal/domain"
)

// AnalyzeResponse is the JSON response for POST /api/analyze.
type AnalyzeResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// TaskResponse mirrors a domain.Task for the full-detail task endpoint.
type TaskResponse struct {
	TaskID     string                      `json:"taskId"`
	Sample     SampleResponse              `json:"sample"`
	Status     string                      `json:"status"`
	CreatedAt  time.Time                   `json:"createdAt"`
	PerVM      []VMResultResponse          `json:"perVM"`
	Summary    *SummaryResponse            `json:"summary,omitempty"`
}

// SampleResponse is the report-facing view of a domain.Sample.
type SampleResponse struct {
	Name      string `json:"name"`
	HashHex   string `json:"hashHex"`
	SizeBytes int64  `json:"sizeBytes"`
}

// VMResultResponse is the report-facing view of a domain.VMResult.
type VMResultResponse struct {
	VMName               string         `json:"vmName"`
	AgentKind            string         `json:"agentKind,omitempty"`
	Phase                string         `json:"phase"`
	StartedAt            time.Time      `json:"startedAt"`
	EndedAt              time.Time      `json:"endedAt,omitempty"`
	SampleDeletedByAgent bool           `json:"sampleDeletedByAgent"`
	Alerts               []domain.Alert `json:"alerts"`
	Events               []domain.Event `json:"events"`
	ErrorKind            string         `json:"errorKind,omitempty"`
	ErrorDetail          string         `json:"errorDetail,omitempty"`
}

// SummaryResponse is the report-facing view of a domain.TaskSummary.
type SummaryResponse struct {
	Detected         bool           `json:"detected"`
	FirstDetectionAt *time.Time     `json:"firstDetectionAt,omitempty"`
	AlertCounts      map[string]int `json:"alertCounts"`
	EventCount       int            `json:"eventCount"`
}

// ResultResponse is the JSON response for GET /api/result/{taskId}.
type ResultResponse struct {
	TaskID  string          `json:"taskId"`
	Summary SummaryResponse `json:"summary"`
	Alerts  []domain.Alert  `json:"alerts"`
	Events  []domain.Event  `json:"events"`
}

// HealthResponse is the JSON response for GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	QueueDepth  int    `json:"queueDepth"`
	VMsTotal    int    `json:"vmsTotal"`
}

func (g *Gateway) handleAnalyze(c *okapi.Context) error {
	correlationID := newCorrelationID()
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.AbortBadRequest("file is required")
	}
	if fileHeader.Size > g.config.MaxUploadSize {
		return c.AbortBadRequest("file exceeds maximum upload size")
	}

	sampleID := domain.NewID()
	filename := sanitizeFilename(c.FormValue("filename"))
	if filename == "sample.bin" && fileHeader.Filename != "" {
		filename = sanitizeFilename(fileHeader.Filename)
	}
	destPath := filepath.Join(g.config.UploadDir, sampleID.String()+"_"+filename)

	src, err := fileHeader.Open()
	if err != nil {
		return c.AbortBadRequest("could not read uploaded file")
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		g.logger.Error("storing upload", "error", err)
		return c.AbortInternalServerError("could not store upload")
	}
	written, err := io.Copy(dst, src)
	dst.Close()
	if err != nil {
		os.Remove(destPath)
		g.logger.Error("writing upload", "error", err)
		return c.AbortInternalServerError("could not store upload")
	}

	sha, err := hashFile(destPath)
	if err != nil {
		g.logger.Error("hashing upload", "error", err)
		return c.AbortInternalServerError("could not process upload")
	}

	sample := domain.Sample{
		ID:        sampleID,
		SHA256:    sha,
		Filename:  filename,
		SizeBytes: written,
		StoredAt:  destPath,
		CreatedAt: time.Now().UTC(),
	}

	specs := g.selectVMs(c.FormValue("vm_names"))
	if len(specs) == 0 {
		return c.AbortBadRequest("no matching vms for vm_names override")
	}

	timeoutSeconds, err := parseTimeoutSeconds(c.FormValue("timeout"))
	if err != nil {
		return c.AbortBadRequest("timeout must be a positive integer number of seconds")
	}

	task := &domain.Task{
		ID:             domain.NewID(),
		Sample:         sample,
		RequestedVMs:   specs,
		TimeoutSeconds: timeoutSeconds,
		Status:         domain.TaskQueued,
		VMResults:      make(map[string]*domain.VMResult),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	if err := g.store.Put(task); err != nil {
		g.logger.Error("storing task", "error", err)
		return c.AbortInternalServerError("could not create task")
	}
	if err := g.orch.Submit(task); err != nil {
		return c.AbortTooManyRequests("queue full, try again shortly")
	}

	g.logger.Info("sample submitted for analysis",
		"correlation_id", correlationID,
		"task_id", task.ID.String(),
		"sha256", sample.SHA256,
		"vm_count", len(specs),
	)

	return c.JSON(http.StatusAccepted, AnalyzeResponse{TaskID: task.ID.String(), Status: string(domain.TaskQueued)})
}

// parseTimeoutSeconds parses the optional "timeout" form field into a
// caller-requested ceiling on the task's total run time. An empty field
// means "use the server default"; a non-empty field that isn't a positive
// integer is rejected rather than silently ignored.
func parseTimeoutSeconds(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	return seconds, nil
}

// selectVMs parses the optional comma-separated vm_names override,
// falling back to every configured VM when the field is empty.
func (g *Gateway) selectVMs(vmNames string) []domain.VMSpec {
	if vmNames == "" {
		return g.specs
	}
	wanted := make(map[string]bool)
	for _, name := range strings.Split(vmNames, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			wanted[name] = true
		}
	}
	var out []domain.VMSpec
	for _, spec := range g.specs {
		if wanted[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

func (g *Gateway) handleGetTask(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		return c.AbortBadRequest("invalid taskId")
	}
	task, ok := g.store.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "task not found"})
	}
	return c.OK(toTaskResponse(task))
}

// CancelResponse is the JSON response for POST /api/task/{taskId}/cancel.
type CancelResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

func (g *Gateway) handleCancelTask(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		return c.AbortBadRequest("invalid taskId")
	}
	if _, ok := g.store.Get(id); !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "task not found"})
	}
	if err := g.orch.Cancel(id); err != nil {
		return c.AbortBadRequest(err.Error())
	}
	return c.OK(CancelResponse{TaskID: id.String(), Status: string(domain.TaskCancelled)})
}

func (g *Gateway) handleGetResult(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("taskId"))
	if err != nil {
		return c.AbortBadRequest("invalid taskId")
	}
	task, ok := g.store.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "task not found"})
	}

	resp := ResultResponse{TaskID: task.ID.String()}
	if task.Summary != nil {
		resp.Summary = toSummaryResponse(task.Summary)
	}
	for _, vmResult := range task.VMResults {
		resp.Alerts = append(resp.Alerts, vmResult.Alerts...)
		resp.Events = append(resp.Events, vmResult.Events...)
	}
	return c.OK(resp)
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	status := "ok"
	if g.config.HealthChecker != nil {
		status = g.config.HealthChecker.CheckReady(c.Context()).Status
	}
	return c.OK(HealthResponse{
		Status:     status,
		QueueDepth: len(g.store.List(domain.TaskQueued)),
		VMsTotal:   len(g.specs),
	})
}

// streamMessage is the JSON shape pushed down a /stream connection: either
// a real per-VM phase transition, or a bare status line when the task was
// already in a terminal state at connect time.
type streamMessage struct {
	VMName string `json:"vmName,omitempty"`
	Phase  string `json:"phase,omitempty"`
	Status string `json:"status"`
}

func isTerminalTaskStatus(status domain.TaskStatus) bool {
	return status == domain.TaskCompleted || status == domain.TaskFailed || status == domain.TaskCancelled
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// handleStream upgrades to a WebSocket and forwards the orchestrator's
// phase-transition events for the requested task until the client
// disconnects or the task reaches a terminal status. Events are fanned out
// by Gateway.broadcastEvents rather than read directly from
// orchestrator.Events(), since that channel has only one real consumer in
// Go and would otherwise be split arbitrarily across every concurrently
// connected client.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	taskIDStr := r.PathValue("taskId")
	taskID, err := uuid.Parse(taskIDStr)
	if err != nil {
		http.Error(w, "invalid taskId", http.StatusBadRequest)
		return
	}

	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(g.config.APIKey)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	task, ok := g.store.Get(taskID)
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sandboxd.v1"},
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	if isTerminalTaskStatus(task.Status) {
		// A client connecting after the task already finished would
		// otherwise never see a live PhaseEvent.
		_ = writeStreamEvent(ctx, conn, streamMessage{Status: string(task.Status)})
		conn.Close(websocket.StatusNormalClosure, "task finished")
		return
	}

	sub := g.subscribe()
	defer g.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub:
			if ev.TaskID != taskID {
				continue
			}
			task, ok := g.store.Get(taskID)
			status := ""
			if ok {
				status = string(task.Status)
			}
			if err := writeStreamEvent(ctx, conn, streamMessage{
				VMName: ev.VMName,
				Phase:  string(ev.Phase),
				Status: status,
			}); err != nil {
				return
			}
			if ok && isTerminalTaskStatus(task.Status) {
				conn.Close(websocket.StatusNormalClosure, "task finished")
				return
			}
		}
	}
}

func toTaskResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		TaskID: task.ID.String(),
		Sample: SampleResponse{
			Name:      task.Sample.Filename,
			HashHex:   task.Sample.SHA256,
			SizeBytes: task.Sample.SizeBytes,
		},
		Status:    string(task.Status),
		CreatedAt: task.CreatedAt,
	}
	for _, r := range task.VMResults {
		vmResp := VMResultResponse{
			VMName:               r.VMName,
			Phase:                string(r.Phase),
			StartedAt:            r.StartedAt,
			EndedAt:              r.FinishedAt,
			Alerts:               r.Alerts,
			Events:               r.Events,
			SampleDeletedByAgent: r.SampleDeletedByAgent,
			ErrorKind:            r.ErrorKind,
			ErrorDetail:          r.Error,
		}
		resp.PerVM = append(resp.PerVM, vmResp)
	}
	if task.Summary != nil {
		s := toSummaryResponse(task.Summary)
		resp.Summary = &s
	}
	return resp
}

func toSummaryResponse(s *domain.TaskSummary) SummaryResponse {
	return SummaryResponse{
		Detected:         s.Detected,
		FirstDetectionAt: s.FirstDetectionAt,
		AlertCounts:      s.AlertCounts,
		EventCount:       s.EventCount,
	}
}
