// Package api is the HTTP front-end of the dispatcher.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/dispatcher"
	"game-dispatcher/message"
	"game-dispatcher/registry"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Dispatcher is the part of *dispatcher.Dispatcher the front-end serves.
type Dispatcher interface {
	Join(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error)
	Servers() []registry.BackendServer
	RemoveBackend(id string) error
	Stats() dispatcher.Stats
}

// HTTPServer serves /join, /servers and /healthz.
type HTTPServer struct {
	echo   *echo.Echo
	disp   Dispatcher
	logger *zap.Logger
}

// NewHTTPServer creates the echo instance and registers all routes.
func NewHTTPServer(disp Dispatcher, logger *zap.Logger) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &HTTPServer{
		echo:   e,
		disp:   disp,
		logger: logger.Named("api"),
	}
	RegisterErrorHandler(e, h.logger)
	e.Use(requestID(), accessLog(h.logger))

	e.GET("/join", h.Join)
	e.GET("/servers", h.ListServers)
	e.DELETE("/servers/:id", h.RemoveServer)
	e.GET("/healthz", h.Health)
	return h
}

// Handler exposes the router, e.g. for httptest.
func (h *HTTPServer) Handler() http.Handler { return h.echo }

// Start listens on addr and blocks until the server stops.
func (h *HTTPServer) Start(addr string) error {
	h.logger.Info("http listening", zap.String("addr", addr))
	if err := h.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (h *HTTPServer) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.echo.Shutdown(ctx)
}

// Join (GET /join?version=&uuid=) reserves a slot and returns the assigned address.
func (h *HTTPServer) Join(ectx echo.Context) error {
	req, err := parseJoin(ectx)
	if err != nil {
		return err
	}
	assignment, err := h.disp.Join(ectx.Request().Context(), req)
	if err != nil {
		return err
	}
	return ectx.JSON(http.StatusOK, assignment)
}

// ListServers (GET /servers) returns the registry snapshot.
func (h *HTTPServer) ListServers(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, h.disp.Servers())
}

// RemoveServer (DELETE /servers/:id) stops the link and forgets the backend.
func (h *HTTPServer) RemoveServer(ectx echo.Context) error {
	if err := h.disp.RemoveBackend(ectx.Param("id")); err != nil {
		return err
	}
	return ectx.NoContent(http.StatusNoContent)
}

// Health (GET /healthz) reports registry and reservation counters.
func (h *HTTPServer) Health(ectx echo.Context) error {
	return ectx.JSON(http.StatusOK, h.disp.Stats())
}

// parseJoin reads the query. An absent or non-numeric version is reported as
// missing; identity format is checked by the coordinator.
func parseJoin(ectx echo.Context) (*message.JoinRequest, error) {
	raw := ectx.QueryParam("version")
	if raw == "" {
		return nil, apperr.MissingVersion("version query parameter is required")
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return nil, apperr.New(apperr.KindMissingVersion, "version must be an integer", err)
	}
	id := ectx.QueryParam("uuid")
	if id == "" {
		return nil, apperr.MissingIdentity("uuid query parameter is required")
	}
	return &message.JoinRequest{Version: version, PlayerID: id}, nil
}

const requestIDHeader = echo.HeaderXRequestID

func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ectx echo.Context) error {
			id := ectx.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			ectx.Response().Header().Set(requestIDHeader, id)
			return next(ectx)
		}
	}
}

func accessLog(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ectx echo.Context) error {
			start := time.Now()
			err := next(ectx)
			if err != nil {
				// the error handler writes the response
				ectx.Error(err)
			}
			req := ectx.Request()
			logger.Debug("request",
				zap.String("request_id", ectx.Response().Header().Get(requestIDHeader)),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ectx.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}
