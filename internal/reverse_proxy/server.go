package reverse_proxy

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// corsOptions allow any origin to call the blog, answering preflight requests directly.
var corsOptions = cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodPut,
		http.MethodPatch,
		http.MethodPost,
		http.MethodDelete,
	},
	AllowedHeaders:       []string{"*"},
	OptionsSuccessStatus: http.StatusNoContent,
}

// NewRouter builds the front router: every method and path goes through the gate. guard, when
// set, runs in front of the gate for prefix and everything below it. CORS applies to every path.
func NewRouter(gate *Gate, prefix string, guard func(http.Handler) http.Handler) *mux.Router {
	router := mux.NewRouter().SkipClean(true)
	router.Use(cors.New(corsOptions).Handler)
	proxy := gate.Middleware(http.NotFoundHandler())

	if guard != nil && prefix != "" && prefix != "/" {
		guarded := guard(proxy)
		router.Path(prefix).Handler(guarded)
		router.PathPrefix(prefix + "/").Handler(guarded)
	}
	router.PathPrefix("/").Handler(proxy)
	return router
}
