package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RealZimboGuy/stepflow/internal/repository"
	"github.com/RealZimboGuy/stepflow/internal/util"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/core"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/domain"
	"github.com/RealZimboGuy/stepflow/pkg/stepflow/models"
	"github.com/RealZimboGuy/stepflow/test/integration"
)

const (
	StepEcho  domain.StepType = "ECHO"
	StepFlaky domain.StepType = "FLAKY"

	waitTimeout = 15 * time.Second
)

// Flaky fails the first Failures executions and succeeds afterwards.
type Flaky struct {
	mu       sync.Mutex
	Failures int
	calls    int
}

func (f *Flaky) Execute(ctx context.Context, ec core.ExecutionContext) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.Failures {
		return nil, fmt.Errorf("flaky failure %d", f.calls)
	}
	return map[string]any{"success": true, "attempt": f.calls}, nil
}

// Harness is a running engine behind an httptest server.
type Harness struct {
	App    *stepflow.App
	Server *httptest.Server
	Clock  *integration.FakeClock
	Flaky  *Flaky
}

// StartHarness wires the engine against whatever database the caller configured.
func StartHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{
		Clock: integration.NewFakeClock(time.Now()),
		Flaky: &Flaky{Failures: 1},
	}

	registry := core.NewHandlerRegistry()
	registry.MustRegister(StepEcho, core.HandlerFunc(func(ctx context.Context, ec core.ExecutionContext) (any, error) {
		return map[string]any{"success": true, "step": ec.CurrentStepNumber, "of": ec.TotalSteps}, nil
	}))
	registry.MustRegister(StepFlaky, h.Flaky)

	ctx, cancel := context.WithCancel(context.Background())
	app, err := stepflow.New(ctx, registry, h.Clock, nil)
	if err != nil {
		cancel()
		t.Fatalf("Failed to start engine: %v", err)
	}
	h.App = app
	h.Server = httptest.NewServer(app.Mux)

	done := make(chan error, 1)
	go func() { done <- app.RunEngine(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		h.App.Hub.Close()
		h.Server.Close()
		h.App.Close()
	})
	return h
}

func (h *Harness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func (h *Harness) CreateSequence(t *testing.T, userID string, types ...domain.StepType) []string {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/api/queue/sequence", models.CreateSequenceRequest{
		StepTypes: types,
		UserID:    userID,
		Data:      json.RawMessage(`{"source":"integration"}`),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201 Created, got %d", resp.StatusCode)
	}
	created, err := util.DecodeJSONBodyResponse[models.CreateSequenceResponse](resp)
	if err != nil {
		t.Fatalf("Failed to decode create response: %v", err)
	}
	if len(created.StepIDs) != len(types) {
		t.Fatalf("Expected %d step ids, got %d", len(types), len(created.StepIDs))
	}
	return created.StepIDs
}

func (h *Harness) Status(t *testing.T, ids []string) models.SequenceStatus {
	t.Helper()
	resp := h.do(t, http.MethodGet, "/api/queue/sequence/"+strings.Join(ids, ",")+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK, got %d", resp.StatusCode)
	}
	status, err := util.DecodeJSONBodyResponse[models.SequenceStatus](resp)
	if err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	return status
}

// WaitForStatus polls the status endpoint until cond holds.
func (h *Harness) WaitForStatus(t *testing.T, ids []string, cond func(s models.SequenceStatus) bool) models.SequenceStatus {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		status := h.Status(t, ids)
		if cond(status) {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("Sequence did not reach expected state, last status %+v", status)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// RunSequenceCompletes runs three steps to completion and checks their order.
func RunSequenceCompletes(t *testing.T, h *Harness) {
	ids := h.CreateSequence(t, "user-complete", StepEcho, StepEcho, StepEcho)

	status := h.WaitForStatus(t, ids, func(s models.SequenceStatus) bool { return s.CompletedSteps == 3 })
	if status.TotalSteps != 3 || status.FailedSteps != 0 || status.PendingSteps != 0 {
		t.Errorf("Unexpected status %+v", status)
	}
	for i, s := range status.Steps {
		if s.StepNumber != i+1 {
			t.Errorf("Expected step %d at position %d, got %d", i+1, i, s.StepNumber)
		}
		if s.JobStatus != domain.JobStatusCompleted {
			t.Errorf("Expected job of step %s to be COMPLETED, got %s", s.ID, s.JobStatus)
		}
		prev := status.Steps[max(i-1, 0)]
		if i > 0 && s.StartedAt != nil && prev.CompletedAt != nil && s.StartedAt.Before(*prev.CompletedAt) {
			t.Errorf("Step %d started before step %d completed", s.StepNumber, i)
		}
	}

	resp := h.do(t, http.MethodGet, "/api/queue/sequences/"+stepSequenceID(t, h, ids[0]), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK listing the sequence, got %d", resp.StatusCode)
	}
	steps, err := util.DecodeJSONBodyResponse[[]models.StepResponse](resp)
	if err != nil {
		t.Fatalf("Failed to decode sequence: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("Expected 3 steps in sequence, got %d", len(steps))
	}
}

// RunFailureHaltsAndRetryResumes fails the middle step, checks the sequence halts,
// then retries it and expects the sequence to finish.
func RunFailureHaltsAndRetryResumes(t *testing.T, h *Harness) {
	ids := h.CreateSequence(t, "user-retry", StepEcho, StepFlaky, StepEcho)

	status := h.WaitForStatus(t, ids, func(s models.SequenceStatus) bool { return s.FailedSteps == 1 })
	if status.CompletedSteps != 1 || status.PendingSteps != 1 {
		t.Fatalf("Expected one completed and one pending step, got %+v", status)
	}
	if status.Steps[1].JobStatus != domain.JobStatusFailed {
		t.Errorf("Expected failed job for step 2, got %s", status.Steps[1].JobStatus)
	}
	failedJob := status.Steps[1].JobID

	// the third step must stay pending while step two is failed
	time.Sleep(200 * time.Millisecond)
	if s := h.Status(t, ids); s.Steps[2].Status != domain.StepStatusPending {
		t.Errorf("Expected step 3 to stay PENDING, got %s", s.Steps[2].Status)
	}

	resp := h.do(t, http.MethodPost, "/api/queue/step/"+ids[1]+"/retry", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 OK on retry, got %d", resp.StatusCode)
	}
	retry, _ := util.DecodeJSONBodyResponse[models.RetryStepResponse](resp)
	if !retry.Success {
		t.Errorf("Expected retry to succeed, got %+v", retry)
	}

	status = h.WaitForStatus(t, ids, func(s models.SequenceStatus) bool { return s.CompletedSteps == 3 })
	if status.Steps[1].JobID == failedJob {
		t.Errorf("Expected a new job for the retried step")
	}

	// retrying a completed step is a conflict
	resp = h.do(t, http.MethodPost, "/api/queue/step/"+ids[1]+"/retry", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 retrying a completed step, got %d", resp.StatusCode)
	}
}

// RunNotificationsReachOwner listens on the WebSocket endpoint while a sequence runs.
func RunNotificationsReachOwner(t *testing.T, h *Harness) {
	wsURL := "ws" + strings.TrimPrefix(h.Server.URL, "http") + "/ws/processing-queue?userId=user-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect websocket: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(waitTimeout)
	for h.App.Hub.Clients("user-ws") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("WebSocket client never joined")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ids := h.CreateSequence(t, "user-ws", StepEcho)

	var statuses []domain.StepStatus
	_ = conn.SetReadDeadline(deadline)
	for {
		var event models.StepEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("Did not receive completion event, got %v: %v", statuses, err)
		}
		if event.Event != models.StepStatusChangedEvent || event.Step.ID != ids[0] {
			continue
		}
		statuses = append(statuses, event.Step.Status)
		if event.Step.Status == domain.StepStatusCompleted {
			break
		}
	}
	if statuses[0] != domain.StepStatusProcessing {
		t.Errorf("Expected PROCESSING before COMPLETED, got %v", statuses)
	}
}

// RunRejectsUnknownStepType checks validation happens before anything is stored.
func RunRejectsUnknownStepType(t *testing.T, h *Harness) {
	resp := h.do(t, http.MethodPost, "/api/queue/sequence", models.CreateSequenceRequest{
		StepTypes: []domain.StepType{StepEcho, "NOT_REGISTERED"},
		UserID:    "user-invalid",
	})
	errResp, err := util.DecodeJSONBodyResponse[util.ErrorResponse](resp)
	if err != nil {
		t.Fatalf("Failed to decode error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d (%s)", resp.StatusCode, errResp.Error)
	}

	resp = h.do(t, http.MethodPost, "/api/queue/step/does-not-exist/retry", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 retrying an unknown step, got %d", resp.StatusCode)
	}
}

func stepSequenceID(t *testing.T, h *Harness, stepID string) string {
	t.Helper()
	step, err := repository.NewStepRepository(h.App.DB).FindByID(context.Background(), stepID)
	if err != nil {
		t.Fatalf("Failed to load step %s: %v", stepID, err)
	}
	return step.SequenceID
}
