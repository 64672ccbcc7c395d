// Copyright 2021-2022 The fruitscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"net/http"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/models"
	"github.com/alwitt/fruitscan/session"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionLister source of the device session summaries
type SessionLister interface {
	Snapshot() []session.SessionSummary
}

// ModelReporter source of the model load summary
type ModelReporter interface {
	Report() models.LoadReport
}

// ReadinessCheck report whether a dependency is usable
type ReadinessCheck func() error

// APIRestOperationsHandler REST handler for the operational endpoints
type APIRestOperationsHandler struct {
	goutils.RestAPIHandler
	sessions SessionLister
	models   ModelReporter
	checks   map[string]ReadinessCheck
}

// GetAPIRestOperationsHandler define APIRestOperationsHandler
func GetAPIRestOperationsHandler(
	sessions SessionLister,
	modelReport ModelReporter,
	checks map[string]ReadinessCheck,
	httpConfig *common.HTTPServerConfig,
) (APIRestOperationsHandler, error) {
	logTags := log.Fields{"module": "apis", "component": "operations"}
	return APIRestOperationsHandler{
		RestAPIHandler: defineRestAPIHandler(
			logTags, httpConfig.RequestIDHeader, httpConfig.DoNotLogHeaders,
		),
		sessions: sessions,
		models:   modelReport,
		checks:   checks,
	}, nil
}

// -----------------------------------------------------------------------

// APIRestRespSessions response listing the device sessions
type APIRestRespSessions struct {
	goutils.RestAPIBaseResponse
	Sessions []session.SessionSummary `json:"sessions"`
}

// ListSessions godoc
// @Summary List device sessions
// @Description Point-in-time view of every device session and its buffered readings
// @tags Operations
// @Produce json
// @Param Fruitscan-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessions "success"
// @Router /v1/sessions [get]
func (h APIRestOperationsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespSessions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            h.sessions.Snapshot(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListSessionsHandler Wrapper around ListSessions
func (h APIRestOperationsHandler) ListSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListSessions(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespModels response describing the loaded models
type APIRestRespModels struct {
	goutils.RestAPIBaseResponse
	Models models.LoadReport `json:"models"`
}

// GetModels godoc
// @Summary Describe the loaded models
// @Description List the (fruit, variety) pairs with dedicated models, and those using the default
// @tags Operations
// @Produce json
// @Success 200 {object} APIRestRespModels "success"
// @Router /v1/models [get]
func (h APIRestOperationsHandler) GetModels(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespModels{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Models:              h.models.Report(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetModelsHandler Wrapper around GetModels
func (h APIRestOperationsHandler) GetModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetModels(w, r)
	}
}

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate the service is running
// @tags Operations
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestOperationsHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestOperationsHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the broker and database connections are usable
// @tags Operations
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestOperationsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for name, check := range h.checks {
		if err := check(); err != nil {
			msg := name + " not ready"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestOperationsHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// ========================================================================================

// BuildOperationsRouter define the operational API routes
func BuildOperationsRouter(httpHandler APIRestOperationsHandler) *mux.Router {
	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, "/", nil)

	_ = RegisterPathPrefix(mainRouter, "/v1/sessions", map[string]http.HandlerFunc{
		"get": httpHandler.ListSessionsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/models", map[string]http.HandlerFunc{
		"get": httpHandler.GetModelsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	mainRouter.Path("/metrics").Methods("get").Handler(promhttp.Handler())

	// Add logging
	router.Use(requestLogging(httpHandler.RestAPIHandler))
	router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logTags: httpHandler.LogTags}),
		handlers.PrintRecoveryStack(true),
	))
	return router
}
