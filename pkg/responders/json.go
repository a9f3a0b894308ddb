// Package responders writes the service's JSON and redirect responses.
package responders

import (
	"bytes"
	"encoding/json"
	"net/http"
)

const contentTypeJSON = "application/json"

// JSON encodes payload before touching the response, so an unencodable
// payload becomes a plain 500 rather than a truncated body. A nil payload
// writes only the status.
func JSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // checkout URLs carry query strings
	if err := enc.Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// Redirect answers with 303 See Other so the browser follows with GET.
// Targets depend on payment state and are marked no-store.
func Redirect(w http.ResponseWriter, r *http.Request, location string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, http.StatusSeeOther)
}
