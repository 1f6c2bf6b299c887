package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// SetupHttpMux serves checker on /health: 204 when healthy, 503 with the failure otherwise.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		err := checker.Check()
		if err == nil {
			log.Debug("Health check passed")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Warnf("Health check failed: %v", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte(err.Error())); err != nil {
			log.Errorf("Failed to write health check response: %v", err)
		}
	})
}
