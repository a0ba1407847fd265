package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forge-run/forge/pkg/services"
	forgesync "github.com/forge-run/forge/pkg/sync"
)

// errorBody is the uniform error payload: a machine code plus a short
// human-readable message.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// respondServiceError maps service-layer errors onto the wire. Conflict-class
// errors that the sync protocol treats as data (terminal state, invalid
// transition) go out as 200 bodies so outbox retries can distinguish
// "rejected forever" from "try again".
func respondServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, errorBody{Error: forgesync.CodeInvalidStatus, Message: validErr.Error()})
		return
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: forgesync.CodeTaskNotFound, Message: "resource not found"})
	case errors.Is(err, services.ErrInvalidStatus):
		c.JSON(http.StatusConflict, errorBody{Error: forgesync.CodeInvalidStatus, Message: err.Error()})
	case errors.Is(err, services.ErrAlreadyLocked):
		c.JSON(http.StatusConflict, errorBody{Error: forgesync.CodeAlreadyLocked, Message: err.Error()})
	case errors.Is(err, services.ErrLockLost):
		c.JSON(http.StatusConflict, errorBody{Error: forgesync.CodeLockLost, Message: err.Error()})
	case errors.Is(err, services.ErrInvalidTransition):
		c.JSON(http.StatusOK, errorBody{Error: forgesync.CodeInvalidTransition, Message: err.Error()})
	case errors.Is(err, services.ErrTerminalState):
		c.JSON(http.StatusOK, errorBody{Error: forgesync.CodeTerminalState, Message: err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal server error"})
	}
}
