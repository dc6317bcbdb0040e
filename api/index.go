package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"timenest-backend/app"
	"timenest-backend/internal/config"
	"timenest-backend/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. The runtime is built on the first
// request and reused by later invocations of the same instance.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		cfg, err := config.Load(config.Options{LoadDotEnv: false})
		if err != nil {
			initErr = err
			return
		}
		apiRuntime, initErr = app.Build(context.Background(), cfg)
	})

	if initErr != nil {
		observability.CaptureError(initErr, map[string]string{"operation": "bootstrap"})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
