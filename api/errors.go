package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/pki"
	"github.com/jmcleod/certkeep/signature"
	"github.com/jmcleod/certkeep/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, keymanager.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, key.ErrInvalidKeyPassword):
		// Never say more than this about a failed decryption.
		writeError(w, http.StatusUnauthorized, key.ErrInvalidKeyPassword.Error())
	case errors.Is(err, storage.ErrAlreadyExists),
		errors.Is(err, keymanager.ErrNotPending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrCertificateSigning),
		errors.Is(err, pki.ErrInvalidSubject),
		errors.Is(err, key.ErrEmptyPassword),
		errors.Is(err, signature.ErrMalformedSignature),
		errors.Is(err, signature.ErrMalformedCertificate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		loggerFor(r, a.logger).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
