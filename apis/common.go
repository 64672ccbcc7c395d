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

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// defineRestAPIHandler define the REST handler base of an API module
func defineRestAPIHandler(
	logTags log.Fields, requestIDHeader string, doNotLogHeaders []string,
) goutils.RestAPIHandler {
	offLimitHeaders := make(map[string]bool)
	for _, header := range doNotLogHeaders {
		offLimitHeaders[http.CanonicalHeaderKey(header)] = true
	}
	handler := goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		DoNotLogHeaders: offLimitHeaders,
	}
	if requestIDHeader != "" {
		handler.CallRequestIDHeaderField = &requestIDHeader
	}
	return handler
}

// requestLogging mux middleware attaching the request ID, and logging the request
func requestLogging(handler goutils.RestAPIHandler) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return handler.LoggingMiddleware(next.ServeHTTP)
	}
}

// recoveryLogger log sink for the panic recovery middleware
type recoveryLogger struct {
	logTags log.Fields
}

// Println logging support
func (l recoveryLogger) Println(v ...interface{}) {
	log.WithFields(l.logTags).Errorf("Request handler panic: %v", v)
}
