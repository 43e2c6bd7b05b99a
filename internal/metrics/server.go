package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgdoorman/pgdoorman/internal/logging"
	"github.com/pgdoorman/pgdoorman/internal/pool"
)

var log = logging.For("metrics")

// Serve starts the /metrics HTTP endpoint on listen and blocks until ctx
// is canceled (spec.md's [prometheus] config section).
func Serve(ctx context.Context, listen string, pools *pool.Manager) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(pools))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.Info().Str("listen", listen).Msg("prometheus endpoint listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
