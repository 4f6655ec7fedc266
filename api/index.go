package api

import (
	"net/http"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"credential-vault/internal/app"
	"credential-vault/internal/apperr"
	"credential-vault/internal/httpx"
	"credential-vault/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entrypoint. The runtime is built on the first
// request and reused while the instance stays warm.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		httpx.WriteError(w, r, observability.NewLogger(), "bootstrap", apperr.Wrap(apperr.KindInternal, "application bootstrap failed", initErr))
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
