package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/storyforge/server/internal/http/handlers"
	"github.com/storyforge/server/internal/middleware"
)

// Options configures the router's middleware chain.
type Options struct {
	RateLimitPerMin int
	AllowedOrigins  []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
}

// NewRouter builds the chi router for the storybook API.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/storybooks", func(r chi.Router) {
		r.Post("/", app.SubmitStorybook)
		r.Get("/generate/{job_id}", app.GenerationProgress)
		r.Get("/{id}", app.GetStorybook)
		r.Post("/{id}/pages/{page}/regenerate", app.RegeneratePage)
	})

	if app.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(app.StaticDir))))
	}

	return r
}
