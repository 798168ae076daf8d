package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ordergrid/eventing/api/controllers"
	"github.com/ordergrid/eventing/api/middleware"
	"github.com/ordergrid/eventing/pkg/logger"
)

const (
	pathLive    = "/health/live"
	pathReady   = "/health/ready"
	pathMetrics = "/metrics"
)

// Params wires the ops surface. Nil stores leave their routes unmounted so a
// process only exposes what it owns.
type Params struct {
	Env               string
	Logger            *logger.Logger
	Dependencies      map[string]controllers.Pinger
	Gatherer          prometheus.Gatherer
	Outbox            controllers.OutboxAdmin
	OutboxMaxAttempts int
	DeadLetters       controllers.DeadLetterReader
	Timeline          controllers.TimelineReader
}

func NewRouter(p Params) http.Handler {
	logg := p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, pathLive, pathReady, pathMetrics),
	)

	r.Get(pathLive, controllers.HealthLive(p.Env))
	r.Get(pathReady, controllers.HealthReady(p.Env, logg, p.Dependencies))

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, pathMetrics, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if p.Outbox != nil {
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/failed", controllers.ListFailedOutbox(p.Outbox, logg))
			r.Post("/failed/requeue", controllers.RequeueFailedOutbox(p.Outbox, p.OutboxMaxAttempts, logg))
			r.Post("/{id}/requeue", controllers.RequeueOutboxEntry(p.Outbox, logg))
		})
	}
	if p.DeadLetters != nil {
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", controllers.ListDeadLetters(p.DeadLetters, logg))
			r.Get("/{id}", controllers.GetDeadLetter(p.DeadLetters, logg))
		})
	}
	if p.Timeline != nil {
		r.Get("/orders/{orderID}/timeline", controllers.OrderTimeline(p.Timeline, logg))
	}

	return r
}
