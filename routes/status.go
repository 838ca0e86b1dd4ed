package routes

import (
	"net/http"

	"github.com/txix-open/isp-kit/json"
	"quota-gate-service/domain"
)

type StatusSource interface {
	Status() domain.EngineStatus
}

// Status serves the read-only per-group snapshot. It never touches
// admission state beyond the brief per-group lock inside the engine.
func Status(source StatusSource) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(source.Status())
	})
}
