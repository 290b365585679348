package api

import (
	"net/http"

	"game-dispatcher/apperr"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// ErrResponse is the body of every failed request.
type ErrResponse struct {
	Error *apperr.Error `json:"error,omitempty"`
}

// RegisterErrorHandler installs the handler that maps error kinds to statuses.
func RegisterErrorHandler(e *echo.Echo, logger *zap.Logger) {
	e.HTTPErrorHandler = NewHTTPErrorHandler(logger).Handler
}

// HTTPErrorHandler renders errors returned by handlers as ErrResponse.
type HTTPErrorHandler struct {
	logger *zap.Logger
}

func NewHTTPErrorHandler(logger *zap.Logger) *HTTPErrorHandler {
	return &HTTPErrorHandler{logger: logger}
}

// Handler handles error returned by echo handlers.
func (h *HTTPErrorHandler) Handler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var status int
	appErr := apperr.As(err)
	if he, ok := err.(*echo.HTTPError); ok {
		// routing errors: unknown path, wrong method
		status = he.Code
		msg, _ := he.Message.(string)
		kind := apperr.FromHTTPStatus(status)
		if kind == "" {
			kind = apperr.KindInternal
		}
		appErr = apperr.New(kind, msg, err)
	} else if appErr == nil {
		appErr = apperr.New(apperr.KindInternal, "an internal server error has occurred", err)
		status = http.StatusInternalServerError
	} else {
		status = apperr.HTTPStatus(appErr.Kind)
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.Request().URL.Path), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.Request().URL.Path), zap.String("kind", string(appErr.Kind)))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, ErrResponse{Error: appErr})
}
