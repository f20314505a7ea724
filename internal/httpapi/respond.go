package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/reflexio/reflexio/internal/errors"
)

// envelope is the {success, results?, msg?} / {success, message} shape every
// endpoint in §6 responds with.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Msg     string      `json:"msg,omitempty"`
	Results interface{} `json:"results,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message})
}

func writeResults(w http.ResponseWriter, results interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Results: results})
}

// writeFail returns {success: false, msg} per §6: "Synchronous API calls
// return {success: false, msg: <reason>} on recoverable failures and 5xx
// only for true infrastructure outages."
func writeFail(w http.ResponseWriter, err error) {
	appErr, ok := asAppError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Msg: err.Error()})
		return
	}
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		writeJSON(w, status, envelope{Success: false, Msg: appErr.Message})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: false, Msg: appErr.Message})
}

func asAppError(err error) (*errors.AppError, bool) {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if ae, ok := e.(*errors.AppError); ok {
			return ae, true
		}
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return nil, false
}

// validationError wraps a go-playground/validator error as a validation
// AppError.
func validationError(err error) error {
	return errors.Wrap(err, errors.ErrorTypeValidation, "request validation failed")
}

// writeValidationError implements §7 row 4's publish-specific override of
// §6's general "200 + success:false" convention: a validation error on
// publish is rejected with an actual 4xx status, nothing persisted.
func writeValidationError(w http.ResponseWriter, err error) {
	appErr, ok := asAppError(err)
	status := http.StatusBadRequest
	msg := err.Error()
	if ok {
		msg = appErr.Message
	}
	writeJSON(w, status, envelope{Success: false, Msg: msg})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "malformed request body")
	}
	return nil
}
