package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"media-fetch-service/internal/domain"
	"media-fetch-service/internal/domain/model"
	"media-fetch-service/internal/infra/api"
	"media-fetch-service/internal/infra/logging"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same policy as the CORS headers
	},
}

// handleStream pushes the job status document over a websocket whenever it changes
// and closes the connection once the job is terminal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	log := logging.With(logging.WithJobID(r.Context(), jobID), s.log)

	st, err := s.status.GetStatus(r.Context(), jobID)
	if err != nil {
		api.WriteError(w, r, s.log, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends anything meaningful; reading detects a closed peer.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	throttle := rate.NewLimiter(rate.Every(s.opts.StreamMinGap), 1)
	ticker := time.NewTicker(s.opts.StreamPoll)
	defer ticker.Stop()

	var last *model.JobStatus
	for {
		if changed(last, st) {
			if err := throttle.Wait(ctx); err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				log.Debug().Err(err).Msg("status stream write failed")
				return
			}
			last = st
		}
		if st.State.IsTerminal() {
			closeStream(conn, websocket.CloseNormalClosure, string(st.State))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.status.GetStatus(ctx, jobID)
		switch {
		case err == nil:
			st = next
		case errors.Is(err, domain.ErrNotFound):
			closeStream(conn, websocket.CloseNormalClosure, "job not found")
			return
		case ctx.Err() != nil:
			return
		default:
			log.Warn().Err(err).Msg("status stream read failed")
		}
	}
}

func changed(prev, cur *model.JobStatus) bool {
	if prev == nil {
		return true
	}
	return prev.State != cur.State || prev.Progress != cur.Progress || prev.FailureReason != cur.FailureReason
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
