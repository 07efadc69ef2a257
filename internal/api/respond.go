package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/peterje/consolehost/internal/console"
	"github.com/peterje/consolehost/internal/models"
	"github.com/peterje/consolehost/internal/system"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeHandleNotFound = "handle_not_found"
	CodeProcessExited  = "process_exited"
	CodeInputClosed    = "input_closed"
	CodeAlreadyStarted = "already_started"
	CodeLaunchFailed   = "launch_failed"
	CodeProcessRunning = "process_running"
	CodeBadRequest     = "bad_request"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("api: encode response failed")
	}
}

func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, models.ErrorResponse{Error: msg, Code: code})
}

// WriteProcessError maps a console error to a status and code a client can
// act on.
func WriteProcessError(w http.ResponseWriter, err error) {
	var launchErr *system.LaunchError
	switch {
	case errors.Is(err, console.ErrHandleNotFound):
		WriteError(w, http.StatusNotFound, CodeHandleNotFound, err.Error())
	case errors.Is(err, console.ErrProcessExited):
		WriteError(w, http.StatusConflict, CodeProcessExited, err.Error())
	case errors.Is(err, console.ErrInputClosed):
		WriteError(w, http.StatusConflict, CodeInputClosed, err.Error())
	case errors.Is(err, console.ErrAlreadyStarted):
		WriteError(w, http.StatusConflict, CodeAlreadyStarted, err.Error())
	case errors.Is(err, console.ErrProcessRunning):
		WriteError(w, http.StatusConflict, CodeProcessRunning, err.Error())
	case errors.As(err, &launchErr):
		WriteError(w, http.StatusBadGateway, CodeLaunchFailed, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "", err.Error())
	}
}
