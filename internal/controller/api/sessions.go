// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/httputil"
	"github.com/orchest/sessions/internal/controller/session"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// Response messages. Clients match on these.
const (
	MsgSessionExists     = "Session already exists."
	MsgBuildInProgress   = session.ConditionBuildInProgress
	MsgCouldNotStart     = "Could not start session."
	MsgSessionNotFound   = "Session not found."
	MsgShutdownOK        = "Session shutdown was successful."
	MsgRestartOK         = "Session restart was successful."
	MsgSessionNotRunning = "SessionNotRunning"
	MsgTooManyLaunches   = "Too many session launches."
)

// SessionList is the body of GET /api/sessions/.
type SessionList struct {
	Sessions []*backend.Session `json:"sessions"`
}

func keyFromPath(req *http.Request) backend.SessionKey {
	return backend.SessionKey{
		ProjectUUID:  req.PathValue("project_uuid"),
		PipelineUUID: req.PathValue("pipeline_uuid"),
	}
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := backend.SessionFilter{ProjectUUID: q.Get("project_uuid")}
	if filter.ProjectUUID != "" {
		filter.PipelineUUID = q.Get("pipeline_uuid")
	}
	sessions, err := r.sessions.List(req.Context(), filter)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if sessions == nil {
		sessions = []*backend.Session{}
	}
	httputil.WriteJSON(w, http.StatusOK, SessionList{Sessions: sessions})
}

func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	if r.limiter != nil && !r.limiter.Allow() {
		retry := math.Ceil(1 / float64(r.limiter.Limit()))
		w.Header().Set("Retry-After", strconv.Itoa(int(retry)))
		httputil.WriteMessage(w, http.StatusTooManyRequests, MsgTooManyLaunches)
		return
	}

	var body session.CreateRequest
	if err := httputil.DecodeJSON(req, &body); err != nil {
		httputil.WriteMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := r.sessions.Create(req.Context(), body)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := r.sessions.Get(req.Context(), keyFromPath(req))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (r *Router) handleStopSession(w http.ResponseWriter, req *http.Request) {
	stopped, err := r.sessions.Stop(req.Context(), keyFromPath(req))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if !stopped {
		httputil.WriteMessage(w, http.StatusNotFound, MsgSessionNotFound)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, MsgShutdownOK)
}

func (r *Router) handleRestartSession(w http.ResponseWriter, req *http.Request) {
	restarted, err := r.sessions.Restart(req.Context(), keyFromPath(req))
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	if !restarted {
		httputil.WriteMessage(w, http.StatusInternalServerError, MsgSessionNotRunning)
		return
	}
	httputil.WriteMessage(w, http.StatusOK, MsgRestartOK)
}

// writeError maps lifecycle errors to status codes.
func (r *Router) writeError(w http.ResponseWriter, req *http.Request, err error) {
	var (
		validation   *sessionerrors.ValidationError
		precondition *sessionerrors.PreconditionError
	)
	switch {
	case errors.As(err, &validation):
		httputil.WriteMessage(w, http.StatusBadRequest, validation.Error())
	case sessionerrors.IsConflict(err):
		httputil.WriteMessage(w, http.StatusConflict, MsgSessionExists)
	case errors.As(err, &precondition) && precondition.Condition == session.ConditionBuildInProgress:
		httputil.WriteMessage(w, http.StatusLocked, MsgBuildInProgress)
	case sessionerrors.IsNotFound(err):
		httputil.WriteMessage(w, http.StatusNotFound, MsgSessionNotFound)
	case errors.Is(err, session.ErrNotStarted):
		httputil.WriteMessage(w, http.StatusInternalServerError, MsgCouldNotStart)
	default:
		r.logger.Error("request failed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("error_type", sessionerrors.TypeOf(err)),
			log.Error(err))
		httputil.WriteMessage(w, http.StatusInternalServerError, err.Error())
	}
}
