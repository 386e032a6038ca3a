package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/logger"
	"github.com/anchal00/nextup/internal/records"
)

const HTTP_API_V1_PREFIX = "/api/v1"

// maxBodyBytes caps request bodies; a record is a few kilobytes at most.
const maxBodyBytes = 1 << 20

type Options struct {
	Records *records.Store
	Hub     *hub.Hub
	Logger  logger.Logger
	// StreamKeepalive is the SSE tick: re-check the durable version and send
	// a noop event when nothing changed.
	StreamKeepalive time.Duration
	ShutdownTimeout time.Duration
	// PublishRate limits inbound duplex publishes per connection per second.
	PublishRate float64
	// RequireIfMatch turns a PUT without If-Match into a 428.
	RequireIfMatch bool
	Registerer     prometheus.Registerer
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

type Server struct {
	Records         *records.Store
	Hub             *hub.Hub
	Logger          logger.Logger
	Router          *mux.Router
	wssUpgrader     websocket.Upgrader
	keepalive       time.Duration
	shutdownTimeout time.Duration
	publishRate     float64
	requireIfMatch  bool
	requests        *prometheus.CounterVec
}

func New(opts Options) *Server {
	s := &Server{
		Records:         opts.Records,
		Hub:             opts.Hub,
		Logger:          opts.Logger,
		keepalive:       opts.StreamKeepalive,
		shutdownTimeout: opts.ShutdownTimeout,
		publishRate:     opts.PublishRate,
		requireIfMatch:  opts.RequireIfMatch,
		wssUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if s.Logger == nil {
		s.Logger = logger.Nop()
	}
	if s.keepalive <= 0 {
		s.keepalive = 15 * time.Second
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}
	if s.publishRate <= 0 {
		s.publishRate = 10
	}
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nextup",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status.",
	}, []string{"route", "method", "status"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.requests)
	}

	router := mux.NewRouter()
	router.Use(s.accessLog)
	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := router.PathPrefix(HTTP_API_V1_PREFIX).Subrouter()
	api.HandleFunc("/records", s.CreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/records", s.ListUserRecords).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}", s.CreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/records/{kind}", s.ListRecords).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}/{id}", s.GetRecord).Methods(http.MethodGet)
	api.HandleFunc("/records/{kind}/{id}", s.PutRecord).Methods(http.MethodPut)
	api.HandleFunc("/records/{kind}/{id}", s.DeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/records/{kind}/{id}/actions", s.ApplyAction).Methods(http.MethodPost)
	api.HandleFunc("/by-code/{code}", s.ResolveCode).Methods(http.MethodGet)
	api.HandleFunc("/room/{kind}/{id}/stream", s.RoomStream).Methods(http.MethodGet)
	api.HandleFunc("/room/{kind}/{id}/ws", s.RoomSocket).Methods(http.MethodGet)
	api.HandleFunc("/room/{kind}/{id}/publish", s.RoomPublish).Methods(http.MethodPost)
	s.Router = router
	return s
}

func (s *Server) ReadRequestBody(request *http.Request) ([]byte, error) {
	bodyReader := http.MaxBytesReader(nil, request.Body, maxBodyBytes)
	bytesRead, err := io.ReadAll(bodyReader)
	if err != nil {
		s.Logger.Error("Failed to read request body", err)
		return nil, err
	}
	return bytesRead, nil
}

func (s *Server) sendResponse(writer http.ResponseWriter, responseBody []byte, status int) {
	if responseBody != nil {
		writer.Header().Set("Content-Type", "application/json")
	}
	writer.WriteHeader(status)
	if responseBody == nil {
		return
	}
	if _, err := writer.Write(responseBody); err != nil {
		s.Logger.Error("Failed to write response body", err)
	}
}

// Run serves until ctx is done, then closes every live room connection and
// shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.Hub.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info(fmt.Sprintf("Starting server on %s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Logger.Info("Shutting down server....")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.Logger.Info("Goodbye !")
	return nil
}
