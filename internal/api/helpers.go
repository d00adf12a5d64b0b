package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"
)

func writeBadRequest(c *echo.Context, msg, param string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, param)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// intQuery parses a non-negative integer query parameter, returning def when
// it is absent.
func intQuery(c *echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, newInvalidRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func requestError(c *echo.Context, err error, param string) error {
	if errors.Is(err, ErrInvalidRequest) {
		return writeBadRequest(c, err.Error(), param)
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
}
