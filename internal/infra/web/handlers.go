package web

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/infra/api"
	"media-fetch-service/internal/infra/logging"
	"media-fetch-service/internal/infra/metrics"
)

type downloadResponse struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status string  `json:"status"`
	Uptime float64 `json:"uptime"`
	Queue  string  `json:"queue,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Uptime: time.Since(s.started).Seconds()}
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			l := logging.With(r.Context(), s.log)
			l.Warn().Err(err).Msg("health check: queue store unreachable")
			resp.Status, resp.Queue = "degraded", "unavailable"
			api.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Queue = "ok"
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	var req infoRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}
	info, err := s.info.GetInfo(r.Context(), req.URL)
	if err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := s.decodeAndValidate(r, &req); err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}
	// "format" is the older name of the field.
	mode := req.Mode
	if mode == "" {
		mode = req.Format
	}
	parsed, err := model.ParseMode(mode)
	if err != nil {
		api.WriteError(w, r, s.log, api.Validation(`"mode" must be one of [video, audio]`))
		return
	}

	id, err := s.download.Submit(r.Context(), model.Payload{URL: req.URL, Mode: parsed})
	if err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}
	metrics.IncJobSubmitted(string(parsed))
	api.WriteJSON(w, http.StatusAccepted, downloadResponse{JobID: id, Message: "Download job queued successfully"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status.GetStatus(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

// fileSink writes the artifact response headers right before the first byte.
type fileSink struct {
	w     http.ResponseWriter
	begun bool
}

func (f *fileSink) Begin(filename string, size int64) {
	h := f.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	f.w.WriteHeader(http.StatusOK)
	f.begun = true
}

func (f *fileSink) Write(p []byte) (int, error) { return f.w.Write(p) }

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	sink := &fileSink{w: w}
	n, err := s.status.DeliverArtifact(r.Context(), jobID, sink)
	if err == nil {
		metrics.IncArtifactRetrieval("ok")
		return
	}

	metrics.IncArtifactRetrieval(retrievalResult(err))
	if sink.begun {
		// Headers are gone; the client sees a short body.
		l := logging.With(logging.WithJobID(r.Context(), jobID), s.log)
		l.Warn().Err(err).Int64("written", n).Msg("artifact transfer aborted")
		return
	}
	api.WriteError(w, r, s.log, err)
}

func retrievalResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNotReady):
		return "not_ready"
	case errors.Is(err, domain.ErrGoneMissing):
		return "gone"
	case errors.Is(err, domain.ErrArtifactBusy):
		return "busy"
	default:
		return "partial"
	}
}
