package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/rooftop/internal/detect"
	"github.com/MeKo-Tech/rooftop/internal/jobs"
	"github.com/MeKo-Tech/rooftop/internal/pipeline"
	"github.com/MeKo-Tech/rooftop/internal/tile"
)

type fakeSource struct{}

func (fakeSource) Fetch(ctx context.Context, c tile.Coords) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return image.NewRGBA(image.Rect(0, 0, tile.Size, tile.Size)), nil
}

type fakeDetector struct{}

func (fakeDetector) Detect(ctx context.Context, img image.Image, conf float64) ([]detect.Detection, error) {
	return []detect.Detection{
		{Box: detect.Box{X1: 40, Y1: 40, X2: 90, Y2: 90}, Score: 0.9},
	}, nil
}

func (fakeDetector) Info() detect.ModelInfo {
	return detect.ModelInfo{Path: "/models/test.pt", Loaded: true, Classes: []string{"building"}}
}

// testPolygon is inset from one z18 tile so planning stays at one tile.
func testPolygon() json.RawMessage {
	b := tile.New(18, 140000, 85000).Bounds()
	lonIn := (b.Max[0] - b.Min[0]) * 0.05
	latIn := (b.Max[1] - b.Min[1]) * 0.05
	minLon, maxLon := b.Min[0]+lonIn, b.Max[0]-lonIn
	minLat, maxLat := b.Min[1]+latIn, b.Max[1]-latIn
	return json.RawMessage(fmt.Sprintf(
		`{"type":"Polygon","coordinates":[[[%f,%f],[%f,%f],[%f,%f],[%f,%f],[%f,%f]]]}`,
		minLon, minLat, maxLon, minLat, maxLon, maxLat, minLon, maxLat, minLon, minLat))
}

type testEnv struct {
	server *Server
	mgr    *jobs.Manager
	exec   *jobs.Executor
}

func newTestEnv(t *testing.T, maxConcurrent int, withDetector bool) *testEnv {
	t.Helper()

	mgr := jobs.NewManager(jobs.ManagerConfig{MaxConcurrent: maxConcurrent})
	exec := jobs.NewExecutor(mgr, nil)

	var det detect.Detector
	if withDetector {
		det = fakeDetector{}
	}
	runner := pipeline.NewRunner(&pipeline.Runtime{
		Detector: det,
		Source:   fakeSource{},
		Jobs:     mgr,
	})

	srv := New(Config{
		Runner:   runner,
		Jobs:     mgr,
		Executor: exec,
		Detector: det,
		Defaults: jobs.Params{
			Zoom:                    18,
			Confidence:              0.25,
			BatchSize:               5,
			EnableMerging:           true,
			MergeIoUThreshold:       0.1,
			MergeTouchEnabled:       true,
			MergeMinEdgeDistanceDeg: 1e-5,
		},
	})
	return &testEnv{server: srv, mgr: mgr, exec: exec}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case json.RawMessage:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestDetectSync(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodPost, "/api/v1/detect",
		map[string]any{"polygon": testPolygon()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp detectResponse
	decode(t, rec, &resp)
	require.True(t, resp.Success)
	require.Equal(t, "Building detection completed successfully", resp.Message)
	require.Equal(t, 1, resp.TotalBuildings)
	require.Len(t, resp.Buildings, 1)
	require.Greater(t, resp.ExecutionTime, 0.0)
}

func TestDetectSyncNoModel(t *testing.T) {
	env := newTestEnv(t, 2, false)

	rec := env.do(t, http.MethodPost, "/api/v1/detect",
		map[string]any{"polygon": testPolygon()})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Model Not Available", body.Error)
	require.Equal(t, "model_error", body.Type)
}

func TestDetectSyncInvalidPolygon(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodPost, "/api/v1/detect",
		map[string]any{"polygon": map[string]any{"type": "Point", "coordinates": []float64{1, 2}}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Invalid Polygon", body.Error)
	require.Contains(t, body.Message, "Invalid GeoJSON format")
}

func TestDetectSyncMalformedBody(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodPost, "/api/v1/detect", json.RawMessage("{not json"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Invalid Request", body.Error)
}

func TestDetectAsyncLifecycle(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodPost, "/api/v1/detect/async",
		map[string]any{"polygon": testPolygon(), "job_id": "lifecycle-job"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sub submitResponse
	decode(t, rec, &sub)
	require.Equal(t, "lifecycle-job", sub.JobID)
	require.Equal(t, string(jobs.StatusQueued), sub.Status)
	require.NotEmpty(t, sub.SubmittedAt)

	env.exec.Wait()

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/lifecycle-job/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status statusResponse
	decode(t, rec, &status)
	require.Equal(t, string(jobs.StatusCompleted), status.Status)
	require.Equal(t, 100, status.Progress)
	require.NotNil(t, status.ExecutionTime)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/lifecycle-job/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var result resultResponse
	decode(t, rec, &result)
	require.Equal(t, "lifecycle-job", result.JobID)
	require.Equal(t, 1, result.TotalBuildings)
	require.Len(t, result.Buildings, 1)
}

func TestDetectAsyncErrorPrecedence(t *testing.T) {
	env := newTestEnv(t, 2, true)

	// Fill both slots with jobs that never run.
	_, err := env.mgr.Create(testPolygon(), jobs.Params{}, "held-1")
	require.NoError(t, err)
	_, err = env.mgr.Create(testPolygon(), jobs.Params{}, "held-2")
	require.NoError(t, err)

	// At capacity even a malformed job id answers 429.
	rec := env.do(t, http.MethodPost, "/api/v1/detect/async",
		map[string]any{"polygon": testPolygon(), "job_id": "-bad-"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Server at Capacity", body.Error)
	require.Equal(t, "capacity_error", body.Type)

	// Free capacity; id format now outranks the duplicate and polygon
	// checks.
	require.NoError(t, env.mgr.Cancel("held-1"))
	rec = env.do(t, http.MethodPost, "/api/v1/detect/async",
		map[string]any{"polygon": testPolygon(), "job_id": "-bad-"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decode(t, rec, &body)
	require.Equal(t, "Invalid Job ID", body.Error)

	// Duplicate id outranks a broken polygon.
	rec = env.do(t, http.MethodPost, "/api/v1/detect/async",
		map[string]any{"polygon": json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), "job_id": "held-2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	decode(t, rec, &body)
	require.Equal(t, "Duplicate Job ID", body.Error)

	// Polygon is checked last.
	rec = env.do(t, http.MethodPost, "/api/v1/detect/async",
		map[string]any{"polygon": json.RawMessage(`{"type":"Point","coordinates":[1,2]}`), "job_id": "fresh-id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	decode(t, rec, &body)
	require.Equal(t, "Invalid Polygon", body.Error)
}

func TestJobStatusUnknown(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/missing/status", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Job Not Found", body.Error)
	require.Equal(t, "job_error", body.Type)
}

func TestJobStatusEstimatesRemainingTime(t *testing.T) {
	env := newTestEnv(t, 2, true)

	job, err := env.mgr.Create(testPolygon(), jobs.Params{}, "eta-job")
	require.NoError(t, err)
	require.NoError(t, env.mgr.UpdateProgress(job.ID, 50, "Processed 5 of 10 tiles", 3))

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/eta-job/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	decode(t, rec, &status)
	require.Equal(t, string(jobs.StatusProcessing), status.Status)
	require.Equal(t, 50, status.Progress)
	require.Equal(t, 3, status.BuildingsFound)
	require.True(t, strings.HasSuffix(status.EstimatedTimeRemaining, " seconds"),
		"estimated_time_remaining = %q", status.EstimatedTimeRemaining)
	require.Nil(t, status.ExecutionTime)
}

func TestJobResultStates(t *testing.T) {
	env := newTestEnv(t, 10, true)

	queued, _ := env.mgr.Create(testPolygon(), jobs.Params{}, "queued-job")
	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+queued.ID+"/result", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	require.Contains(t, body.Message, "still queued (0% complete)")

	failed, _ := env.mgr.Create(testPolygon(), jobs.Params{}, "failed-job")
	require.NoError(t, env.mgr.Fail(failed.ID, "detector exploded"))
	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+failed.ID+"/result", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	decode(t, rec, &body)
	require.Contains(t, body.Message, "detector exploded")

	cancelled, _ := env.mgr.Create(testPolygon(), jobs.Params{}, "cancelled-job")
	require.NoError(t, env.mgr.Cancel(cancelled.ID))
	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+cancelled.ID+"/result", nil)
	require.Equal(t, http.StatusGone, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/missing/result", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, 5, true)

	job, _ := env.mgr.Create(testPolygon(), jobs.Params{}, "doomed-job")

	rec := env.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	require.Equal(t, "cancelled", resp["status"])
	require.Equal(t, "Job has been cancelled successfully", resp["message"])
	require.NotEmpty(t, resp["cancelled_at"])

	// A second cancel hits the terminal state.
	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	decode(t, rec, &body)
	require.Equal(t, "Job Not Cancellable", body.Error)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, 5, true)

	env.mgr.Create(testPolygon(), jobs.Params{}, "list-a")
	env.mgr.Create(testPolygon(), jobs.Params{}, "list-b")

	rec := env.do(t, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total         int          `json:"total"`
		Active        int          `json:"active"`
		MaxConcurrent int          `json:"max_concurrent"`
		Jobs          []jobSummary `json:"jobs"`
	}
	decode(t, rec, &resp)
	require.Equal(t, 2, resp.Total)
	require.Equal(t, 2, resp.Active)
	require.Equal(t, 5, resp.MaxConcurrent)
	require.Len(t, resp.Jobs, 2)
}

func TestJobStream(t *testing.T) {
	env := newTestEnv(t, 5, true)

	job, _ := env.mgr.Create(testPolygon(), jobs.Params{}, "stream-job")
	require.NoError(t, env.mgr.Complete(job.ID, &jobs.Result{TotalBuildings: 2}))

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "), "body = %q", body)

	var status statusResponse
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(body), "data: ")), &status))
	require.Equal(t, string(jobs.StatusCompleted), status.Status)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/missing/stream", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	decode(t, rec, &resp)
	require.Equal(t, "healthy", resp["status"])
	require.Equal(t, true, resp["model_loaded"])

	env = newTestEnv(t, 2, false)
	rec = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Equal(t, false, resp["model_loaded"])
}

func TestModelInfo(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodGet, "/model/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info detect.ModelInfo
	decode(t, rec, &info)
	require.Equal(t, "/models/test.pt", info.Path)
	require.True(t, info.Loaded)
	require.Equal(t, []string{"building"}, info.Classes)

	env = newTestEnv(t, 2, false)
	rec = env.do(t, http.MethodGet, "/model/info", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRootBanner(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Message        string            `json:"message"`
		Version        string            `json:"version"`
		Endpoints      map[string]string `json:"endpoints"`
		ConcurrentJobs map[string]int    `json:"concurrent_jobs"`
	}
	decode(t, rec, &resp)
	require.Equal(t, "Building Detection API", resp.Message)
	require.Equal(t, Version, resp.Version)
	require.Equal(t, "/health", resp.Endpoints["health"])
	require.Equal(t, 2, resp.ConcurrentJobs["max_allowed"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 2, true)

	rec := env.do(t, http.MethodOptions, "/api/v1/detect", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}
