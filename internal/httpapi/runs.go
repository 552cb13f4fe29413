package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/John-Robertt/songsync/internal/domain"
)

type startRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// handleStartRun 在后台触发一次运行：202 表示已开始，409 表示已有运行在进行。
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	id, done, err := s.deps.Runner.Start(s.runCtx)
	if errors.Is(err, domain.ErrRunAlreadyInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hlog.FromRequest(r).Info().Str("run_id", id).Msg("run triggered")

	go func() {
		sum, ok := <-done
		if ok && s.deps.OnRunDone != nil {
			s.deps.OnRunDone(sum)
		}
	}()
	writeJSON(w, http.StatusAccepted, startRunResponse{RunID: id, Status: "started"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeJSON(w, http.StatusOK, []domain.RunSummary{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.deps.Runs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleLastRun 优先返回本进程内的最近一次运行，否则回落到持久化的历史。
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner != nil {
		if sum, ok := s.deps.Runner.Last(); ok {
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	if s.deps.Runs == nil {
		writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	sum, err := s.deps.Runs.Last(r.Context())
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
