package response

import (
	"encoding/json"
	"net/http"

	"termgateway/internal/logger"
	"termgateway/internal/sentryx"
)

var log = logger.WithComponent("HTTPX")

// JSON writes a JSON response payload with status code.
func JSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("response.JSON: failed to encode payload: %v", err)
		sentryx.CaptureError(err, "response.JSON: failed to encode payload")
	}
}
