package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyplate/internal/astro"
	"skyplate/internal/config"
	"skyplate/internal/errors"
	"skyplate/internal/logging"
	"skyplate/internal/pipeline"
	"skyplate/internal/storage"
)

type recordingProcessor struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	fail bool
}

func (p *recordingProcessor) Process(_ context.Context, job pipeline.Job) pipeline.Result {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	if p.fail {
		return pipeline.Result{Job: job, Error: errors.Mark(errors.New(astro.UnableToSolve), errors.ErrSolveFailed),
			Meta: map[string]any{"solved": false}}
	}
	return pipeline.Result{Job: job, Meta: map[string]any{"solved": true, "ra": 10.5}}
}

func (p *recordingProcessor) seen() []pipeline.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Job(nil), p.jobs...)
}

type fixture struct {
	srv   *Server
	ts    *httptest.Server
	store *storage.Store
	proc  *recordingProcessor
	cfg   *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Server.UploadDir = t.TempDir()
	cfg.Server.UploadsPerMinute = 0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "skyplate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	proc := &recordingProcessor{}
	pipe := pipeline.NewWithProcessor(ctx, 1, logging.Discard(), store, proc)

	srv := NewServer(cfg, store, pipe, logging.Discard())
	var n atomic.Int64
	srv.newID = func() string { return fmt.Sprintf("job-%d", n.Add(1)) }
	srv.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		pipe.Stop()
	})
	return &fixture{srv: srv, ts: ts, store: store, proc: proc, cfg: cfg}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray16(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func pngBytesQuiet() []byte {
	var buf bytes.Buffer
	_ = png.Encode(&buf, image.NewGray16(image.Rect(0, 0, 4, 4)))
	return buf.Bytes()
}

func uploadQuiet(url string, data []byte) (*http.Response, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "frame.png")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return http.Post(url+"/solve", mw.FormDataContentType(), &body)
}

func upload(t *testing.T, url, filename string, data []byte, fields map[string]string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/solve", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSolveUploadQueuesJob(t *testing.T) {
	f := newFixture(t, nil)
	resp := upload(t, f.ts.URL, "m31.png", pngBytes(t), map[string]string{"ra": "10.5", "dec": "41.2", "profile": "parallel-solving"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "job-1", body["id"])

	require.Eventually(t, func() bool { return len(f.proc.seen()) == 1 }, 5*time.Second, 10*time.Millisecond)
	job := f.proc.seen()[0]
	assert.Equal(t, filepath.Join(f.cfg.Server.UploadDir, "job-1.png"), job.InputPath)
	assert.Equal(t, filepath.Join(f.cfg.Server.UploadDir, "job-1-solution"), job.Output)
	assert.Equal(t, 10.5, job.Options["ra"])
	assert.Equal(t, "parallel-solving", job.Options["profile"])

	_, err := os.Stat(job.InputPath)
	assert.NoError(t, err)
}

func TestSolveUploadRejects(t *testing.T) {
	f := newFixture(t, nil)

	resp := upload(t, f.ts.URL, "notes.txt", []byte("hi"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = upload(t, f.ts.URL, "m31.png", pngBytes(t), map[string]string{"ra": "east"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(f.ts.URL+"/solve", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Empty(t, f.proc.seen())
}

func TestSolveUploadRateLimited(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Server.UploadsPerMinute = 1 })

	resp := upload(t, f.ts.URL, "a.png", pngBytes(t), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = upload(t, f.ts.URL, "b.png", pngBytes(t), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSolveUploadWaitReturnsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.proc.fail = true

	resp := upload(t, f.ts.URL, "m31.fits", []byte("SIMPLE"), map[string]string{"wait": "true"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var view pipeline.ResultView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, "unable to solve image", view.Error)
}

func TestJobDetail(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = upload(t, f.ts.URL, "m31.png", pngBytes(t), map[string]string{"wait": "true"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.store.RecordEvent("job-1", "field 1: solved"))

	resp, err = http.Get(f.ts.URL + "/jobs/job-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var detail jobDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&detail))
	assert.Equal(t, "completed", detail.Job.Status)
	assert.Equal(t, 10.5, detail.Meta["ra"])
	require.Len(t, detail.Events, 1)
	assert.Equal(t, "field 1: solved", detail.Events[0].Message)

	resp, err = http.Get(f.ts.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
}

func TestJobImage(t *testing.T) {
	f := newFixture(t, nil)
	out := filepath.Join(t.TempDir(), "m31-solution.png")
	data := pngBytes(t)
	require.NoError(t, os.WriteFile(out, data, 0o644))
	require.NoError(t, f.store.RecordSolution(storage.SolutionRecord{
		JobID: "j1", InputPath: "m31.fits", OutputPath: out,
		Solution: astro.PlateSolution{RA: 10.68, Dec: 41.27},
	}))
	require.NoError(t, f.store.RecordSolution(storage.SolutionRecord{JobID: "j2", InputPath: "m33.fits"}))

	resp, err := http.Get(f.ts.URL + "/jobs/j1/image")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, data, got)

	for _, id := range []string{"j2", "nope"} {
		resp, err := http.Get(f.ts.URL + "/jobs/" + id + "/image")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, id)
	}

	resp, err = http.Get(f.ts.URL + "/solutions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sols []storage.SolutionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sols))
	assert.Len(t, sols, 2)
}

func TestStreamDeliversResults(t *testing.T) {
	f := newFixture(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	up := upload(t, f.ts.URL, "m31.png", pngBytes(t), nil)
	up.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var view pipeline.ResultView
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &view))
	assert.Equal(t, "job-1", view.ID)
	assert.Equal(t, "completed", view.Status)
}

func TestWebSocketReceivesResults(t *testing.T) {
	f := newFixture(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration with the hub races the first upload, so keep uploading until a result arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if resp, err := uploadQuiet(f.ts.URL, pngBytesQuiet()); err == nil {
					resp.Body.Close()
				}
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var view pipeline.ResultView
	require.NoError(t, json.Unmarshal(msg, &view))
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, 10.5, view.Meta["ra"])
}

func TestExtOf(t *testing.T) {
	assert.Equal(t, "png", extOf("/data/m31-solution.png"))
}
