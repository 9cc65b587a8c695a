package utils

import (
	"encoding/json"
	"net/http"

	"github.com/li-yechao/dghost/internal/logging"
)

var (
	log = logging.NewLogger()
)

func LogAndHTTPError(w http.ResponseWriter, error string, code int) {
	log.Error().Msg(error)
	http.Error(w, error, code)
}

// WriteJSON writes body as the JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, body interface{}) {
	bytes, err := json.Marshal(body)
	if err != nil {
		LogAndHTTPError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(bytes); err != nil {
		log.Err(err).Msg("error writing response")
	}
}
