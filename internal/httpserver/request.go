package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/coachdesk/server/internal/errors"
)

// Request bodies are small JSON forms.
const maxBodyBytes = 1 << 20

// readJSON decodes exactly one JSON object from the request body into dest.
// On failure it writes a 400 invalid_body response and returns false.
func readJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	err := dec.Decode(dest)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after JSON object")
	}
	if err == nil {
		return true
	}

	reason := err.Error()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		reason = "request body too large"
	}
	apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidBody, "Invalid request body", "reason", reason)
	return false
}
