package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// internalErrorBody is written when a response cannot be encoded.
const internalErrorBody = `{"status":"error","message":"Internal server error"}`

// writeJSONResponse encodes body before touching w so an encoding failure
// can still be reported as a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		slog.Error("api.writeJSONResponse: encode failed", "error", err)
		buf.Reset()
		buf.WriteString(internalErrorBody)
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Debug("api.writeJSONResponse: client went away", "error", err)
	}
}

// requireMethod answers 405 and returns false unless r uses method.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	return false
}
