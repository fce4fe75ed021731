package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"rolegate.org/internal/gate"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeGateError maps the numbered resolution/issuance codes onto HTTP
// statuses. The numeric code travels in the body so CLI clients can
// branch on it without parsing messages.
func writeGateError(w http.ResponseWriter, r *http.Request, gerr *gate.Error) {
	status := http.StatusInternalServerError
	switch gerr.Code {
	case gate.CodeInvalidRoleSpec:
		status = http.StatusBadRequest
	case gate.CodeUnknownAccount, gate.CodeNoMatchingRole:
		status = http.StatusNotFound
	case gate.CodeAmbiguousRole:
		status = http.StatusConflict
	case gate.CodeCertificateTooOld, gate.CodeMFADenied:
		status = http.StatusForbidden
	case gate.CodeVendorError:
		status = http.StatusBadGateway
	}
	payload := map[string]any{
		"error": gerr.Message,
		"code":  int(gerr.Code),
	}
	if len(gerr.Candidates) > 0 {
		payload["candidates"] = gerr.Candidates
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
