package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/keymanager"
	"github.com/jmcleod/certkeep/pki"
)

// maxBodyBytes bounds request bodies. Signed data travels inline.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// guardPassword runs fn for a password-protected key of subjectID, refusing
// while the subject is locked out and counting bad passwords.
func (a *API) guardPassword(w http.ResponseWriter, subjectID string, fn func() error) error {
	if blocked, retryAfter := a.limiter.check(subjectID); blocked {
		writeRateLimited(w, retryAfter)
		return errRateLimited
	}
	err := fn()
	switch {
	case errors.Is(err, key.ErrInvalidKeyPassword):
		a.limiter.recordFailure(subjectID)
		a.metrics.passwordFailure()
	case err == nil:
		a.limiter.recordSuccess(subjectID)
	}
	return err
}

var errRateLimited = errors.New("rate limited")

// GenerateKey handles POST /keys/{subjectID}.
func (a *API) GenerateKey(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	var req GenerateKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var opts []keymanager.GenerateOption
	if req.SelfSign {
		opts = append(opts, keymanager.SelfSign())
	}
	if req.SavePrivateKey {
		opts = append(opts, keymanager.SavePrivateKey())
	}

	bundle, err := a.keys.Generate(r.Context(), subjectID, req.Subject, req.Password, opts...)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.metrics.keyGenerated(!req.SelfSign)

	writeJSON(w, http.StatusCreated, GenerateKeyResponse{
		SubjectID:   subjectID,
		CSR:         bundle.CSR,
		Certificate: bundle.Certificate,
		PrivateKey:  bundle.PrivateKey,
		PublicKey:   bundle.PublicKey,
		Pending:     !req.SelfSign,
	})
}

// ImportKey handles POST /keys/{subjectID}/import.
func (a *API) ImportKey(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	var req ImportKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pending := true
	if req.Pending != nil {
		pending = *req.Pending
	}

	if err := a.keys.Import(r.Context(), subjectID, req.PublicKey, req.Certificate, req.PrivateKey, pending); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// SignCertificate handles POST /keys/{subjectID}/sign.
func (a *API) SignCertificate(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	var req SignCertificateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IssuerSubjectID == "" {
		writeError(w, http.StatusBadRequest, "issuer_subject_id is required")
		return
	}

	var certPEM string
	err := a.guardPassword(w, req.IssuerSubjectID, func() error {
		var err error
		certPEM, err = a.keys.Sign(r.Context(), subjectID, req.IssuerSubjectID, req.Password, req.PrivateKey)
		return err
	})
	if errors.Is(err, errRateLimited) {
		return
	}
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.metrics.certificateIssued()
	loggerFor(r, a.logger).Info("certificate issued",
		zap.String("subject_id", subjectID),
		zap.String("issuer_subject_id", req.IssuerSubjectID),
	)

	resp := CertificateResponse{SubjectID: subjectID, Certificate: certPEM}
	if info, err := pki.InspectCertificate(certPEM); err == nil {
		resp.Info = info
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCertificate handles GET /keys/{subjectID}/certificate.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	pending, err := a.keys.IsPending(r.Context(), subjectID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	certPEM, err := a.keys.Certificate(r.Context(), subjectID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	resp := CertificateResponse{SubjectID: subjectID, Certificate: certPEM, Pending: pending}
	if !pending {
		// Imported certificates are not validated, so a parse failure is
		// not an error here.
		if info, err := pki.InspectCertificate(certPEM); err == nil {
			resp.Info = info
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPublicKey handles GET /keys/{subjectID}/public-key.
func (a *API) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	pub, err := a.keys.PublicKey(r.Context(), subjectID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	pemData, err := pub.PEM()
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PublicKeyResponse{SubjectID: subjectID, PublicKey: pemData, Bits: pub.Bits()})
}

// SignData handles POST /signatures using the subject's stored private key.
func (a *API) SignData(w http.ResponseWriter, r *http.Request) {
	var req SignDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	var sig string
	err := a.guardPassword(w, req.SubjectID, func() error {
		priv, err := a.keys.PrivateKey(r.Context(), req.SubjectID, req.Password)
		if err != nil {
			return err
		}
		sig, err = a.signatures.Sign(req.Data, priv)
		return err
	})
	if errors.Is(err, errRateLimited) {
		return
	}
	if err != nil {
		a.metrics.signature("sign", "error")
		a.mapError(w, r, err)
		return
	}
	a.metrics.signature("sign", "ok")
	writeJSON(w, http.StatusOK, SignDataResponse{Signature: sig})
}

// VerifyData handles POST /signatures/verify. A signature that does not
// verify is a 200 with valid=false.
func (a *API) VerifyData(w http.ResponseWriter, r *http.Request) {
	var req VerifyDataRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SubjectID == "" || req.IssuerSubjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id and issuer_subject_id are required")
		return
	}

	ok, err := a.signatures.Verify(r.Context(), req.Data, req.Signature, req.SubjectID, req.IssuerSubjectID)
	if err != nil {
		a.metrics.signature("verify", "error")
		a.mapError(w, r, err)
		return
	}
	result := "invalid"
	if ok {
		result = "valid"
	}
	a.metrics.signature("verify", result)
	writeJSON(w, http.StatusOK, VerifyDataResponse{Valid: ok})
}
