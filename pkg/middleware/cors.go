package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Cors allows browser dashboards on origins to call the layout API, including
// conditional PATCH requests.
func Cors(origins ...string) mux.MiddlewareFunc {
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedHeaders:   []string{"Content-Type", "If-Match", "Authorization", "X-Request-ID"},
		ExposedHeaders:   []string{"ETag", "X-Request-ID", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
