// Package httputil provides response helpers shared by the admin handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	svcerrors "github.com/simianmac/msuadmin/internal/errors"
)

// WriteJSON encodes data as the JSON response body.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WritePlain writes a plain-text response body.
func WritePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// WriteError writes err as plain text, using its ServiceError status when
// present and 500 otherwise.
func WriteError(w http.ResponseWriter, err error) {
	if se := svcerrors.GetServiceError(err); se != nil {
		WritePlain(w, se.HTTPStatus, se.Message)
		return
	}
	WritePlain(w, http.StatusInternalServerError, "Internal Server Error")
}

// WriteXML writes a raw XML document.
func WriteXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// NotFound writes a 404 with an optional message.
func NotFound(w http.ResponseWriter, message string) {
	WritePlain(w, http.StatusNotFound, message)
}

// BadRequest writes a 400 with message.
func BadRequest(w http.ResponseWriter, message string) {
	WritePlain(w, http.StatusBadRequest, message)
}

// Forbidden writes a 403 with message.
func Forbidden(w http.ResponseWriter, message string) {
	WritePlain(w, http.StatusForbidden, message)
}

// InternalError writes a 500 with message.
func InternalError(w http.ResponseWriter, message string) {
	WritePlain(w, http.StatusInternalServerError, message)
}
