package server

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"skyplate/internal/fsutil"
	"skyplate/internal/pipeline"
	"skyplate/internal/source"
)

// handleSolve accepts a multipart upload in the "image" field and queues a
// solve. Optional form fields: ra, dec, scale, profile, timeout. With
// wait=true the response is the finished result instead of 202.
func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	if !s.uploads.Allow() {
		http.Error(w, "upload rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !supported(ext) {
		http.Error(w, "unsupported image format "+ext, http.StatusUnsupportedMediaType)
		return
	}

	options, err := formOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := s.newID()
	input := filepath.Join(s.cfg.Server.UploadDir, id+ext)
	if err := s.writer.Write(r.Context(), input, data); err != nil {
		s.log.Error("upload not stored", "path", input, "error", err)
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}

	job := pipeline.Job{
		ID:        id,
		Type:      pipeline.JobSolve,
		InputPath: input,
		Output:    fsutil.SolutionPath(input),
		Options:   options,
	}

	if r.FormValue("wait") == "true" {
		res, err := pipeline.SubmitAndWait(r.Context(), s.pipeline, job)
		if err != nil {
			submitError(w, err)
			return
		}
		status := http.StatusOK
		if res.Error != nil {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res.View())
		return
	}

	if err := s.pipeline.Submit(job); err != nil {
		submitError(w, err)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func submitError(w http.ResponseWriter, err error) {
	if err == pipeline.ErrQueueFull {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func formOptions(r *http.Request) (map[string]any, error) {
	options := map[string]any{}
	for _, key := range []string{"ra", "dec", "scale"} {
		raw := strings.TrimSpace(r.FormValue(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &fieldError{key, raw}
		}
		options[key] = v
	}
	if p := strings.TrimSpace(r.FormValue("profile")); p != "" {
		options["profile"] = p
	}
	if raw := strings.TrimSpace(r.FormValue("timeout")); raw != "" {
		if _, err := time.ParseDuration(raw); err != nil {
			return nil, &fieldError{"timeout", raw}
		}
		options["timeout"] = raw
	}
	return options, nil
}

type fieldError struct {
	field, value string
}

func (e *fieldError) Error() string {
	return "invalid " + e.field + ": " + strconv.Quote(e.value)
}

func supported(ext string) bool {
	for _, f := range source.Formats() {
		if f == ext {
			return true
		}
	}
	return false
}

func extOf(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}
