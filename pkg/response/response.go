package response

import (
	"encoding/json"
	"net/http"
)

type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
}

var kindStatus = map[string]int{
	"SessionNotFound":  http.StatusNotFound,
	"CommentNotFound":  http.StatusNotFound,
	"InvalidRange":     http.StatusUnprocessableEntity,
	"InvalidOperation": http.StatusBadRequest,
	"InvalidMessage":   http.StatusBadRequest,
	"NotJoined":        http.StatusForbidden,
	"Forbidden":        http.StatusForbidden,
	"SessionFull":      http.StatusConflict,
	"RateLimited":      http.StatusTooManyRequests,
}

// StatusForKind maps an error kind to its HTTP status. Unknown kinds are 500.
func StatusForKind(kind string) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   err,
	})
}

// Kind writes an error tagged with its kind, using the kind's status.
func Kind(w http.ResponseWriter, kind, err string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForKind(kind))
	json.NewEncoder(w).Encode(Response{
		Success:   false,
		Error:     err,
		ErrorKind: kind,
	})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	Error(w, http.StatusUnauthorized, err)
}

func Forbidden(w http.ResponseWriter, err string) {
	Error(w, http.StatusForbidden, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, err)
}
