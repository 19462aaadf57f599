package api

import (
	"encoding/json"
	"net/http"
)

// Response is the body of every api answer.
type Response struct {
	Status  bool                   `json:"status"`
	Message string                 `json:"message"`
	Data    interface{}            `json:"data"`
	Errors  map[string]interface{} `json:"errors"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func respond(w http.ResponseWriter, code int, message string, data interface{}) {
	if data == nil {
		data = []interface{}{}
	}
	writeJSON(w, code, Response{
		Status:  true,
		Message: message,
		Data:    data,
		Errors:  map[string]interface{}{},
	})
}

// fail answers with status false. data is kept when given, e.g. the faulted
// output after a failed enable.
func fail(w http.ResponseWriter, code int, message string, errs map[string]interface{}, data interface{}) {
	if data == nil {
		data = []interface{}{}
	}
	writeJSON(w, code, Response{
		Status:  false,
		Message: message,
		Data:    data,
		Errors:  errs,
	})
}
