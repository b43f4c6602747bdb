package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veridoc/veridoc/bundle"
	"github.com/veridoc/veridoc/ca"
	"github.com/veridoc/veridoc/clients"
	"github.com/veridoc/veridoc/documents"
	"github.com/veridoc/veridoc/keys"
	"github.com/veridoc/veridoc/signing"
	"github.com/veridoc/veridoc/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, clients.ErrNotFound),
		errors.Is(err, documents.ErrNotFound),
		errors.Is(err, ca.ErrClientNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrCASFailed),
		errors.Is(err, clients.ErrDuplicateCPF),
		errors.Is(err, clients.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, clients.ErrInvalidCPF),
		errors.Is(err, clients.ErrInvalidInput),
		errors.Is(err, documents.ErrEmptyDocument),
		errors.Is(err, bundle.ErrPasswordRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signing.ErrOwnershipMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, signing.ErrCertificateInvalid),
		errors.Is(err, bundle.ErrNotExportable):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, keys.ErrIssuanceTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
