package core

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/agrisense-io/agrisense/core/errs"
)

// WriteJSON renders response as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, status int, response interface{}) {
	jsonData, _ := json.Marshal(response)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// LocationQuery extracts the lat and long query parameters. Both are
// mandatory and must be numeric.
func LocationQuery(r *http.Request) (lat, long float64, err error) {
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	long, longErr := strconv.ParseFloat(r.URL.Query().Get("long"), 64)
	if latErr != nil || longErr != nil {
		return 0, 0, errs.Validation("lat and long must be numeric query parameters")
	}
	return lat, long, nil
}
