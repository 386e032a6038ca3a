package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// accessLog logs and counts every request. httpsnoop keeps the Flusher and
// Hijacker of the wrapped writer, which SSE and websocket upgrades need.
func (s *Server) accessLog(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		m := httpsnoop.CaptureMetrics(handler, writer, request)
		route := "unmatched"
		if current := mux.CurrentRoute(request); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.requests.WithLabelValues(route, request.Method, strconv.Itoa(m.Code)).Inc()
		s.Logger.Debug(fmt.Sprintf("handled %s %s status=%d duration=%s", request.Method, request.URL.Path, m.Code, m.Duration))
	})
}
