package api

import (
	"github.com/jmcleod/certkeep/key"
	"github.com/jmcleod/certkeep/pki"
)

// GenerateKeyRequest is the JSON body for POST /keys/{subjectID}.
type GenerateKeyRequest struct {
	Subject        pki.DistinguishedName `json:"subject"`
	Password       string                `json:"password"`
	SelfSign       bool                  `json:"self_sign,omitempty"`
	SavePrivateKey bool                  `json:"save_private_key,omitempty"`
}

// GenerateKeyResponse is returned from POST /keys/{subjectID}. The private
// key is always returned, encrypted under the request password.
type GenerateKeyResponse struct {
	SubjectID   string                  `json:"subject_id"`
	CSR         string                  `json:"csr"`
	Certificate string                  `json:"certificate,omitempty"`
	PrivateKey  key.EncryptedPrivateKey `json:"private_key"`
	PublicKey   string                  `json:"public_key"`
	Pending     bool                    `json:"pending"`
}

// ImportKeyRequest is the JSON body for POST /keys/{subjectID}/import.
type ImportKeyRequest struct {
	PublicKey   string                  `json:"public_key"`
	Certificate string                  `json:"certificate"`
	PrivateKey  key.EncryptedPrivateKey `json:"private_key,omitempty"`
	// Pending defaults to true when omitted.
	Pending *bool `json:"pending,omitempty"`
}

// SignCertificateRequest is the JSON body for POST /keys/{subjectID}/sign.
type SignCertificateRequest struct {
	IssuerSubjectID string                  `json:"issuer_subject_id"`
	Password        string                  `json:"password"`
	PrivateKey      key.EncryptedPrivateKey `json:"private_key,omitempty"`
}

// CertificateResponse is returned from the sign and certificate routes.
// While Pending is true, Certificate holds the CSR and Info is absent.
type CertificateResponse struct {
	SubjectID   string               `json:"subject_id"`
	Certificate string               `json:"certificate"`
	Pending     bool                 `json:"pending"`
	Info        *pki.CertificateInfo `json:"info,omitempty"`
}

// PublicKeyResponse is returned from GET /keys/{subjectID}/public-key.
type PublicKeyResponse struct {
	SubjectID string `json:"subject_id"`
	PublicKey string `json:"public_key"`
	Bits      int    `json:"bits"`
}

// SignDataRequest is the JSON body for POST /signatures. Data is base64.
type SignDataRequest struct {
	SubjectID string `json:"subject_id"`
	Password  string `json:"password"`
	Data      []byte `json:"data"`
}

// SignDataResponse is returned from POST /signatures.
type SignDataResponse struct {
	Signature string `json:"signature"`
}

// VerifyDataRequest is the JSON body for POST /signatures/verify.
type VerifyDataRequest struct {
	SubjectID       string `json:"subject_id"`
	IssuerSubjectID string `json:"issuer_subject_id"`
	Data            []byte `json:"data"`
	Signature       string `json:"signature"`
}

// VerifyDataResponse is returned from POST /signatures/verify.
type VerifyDataResponse struct {
	Valid bool `json:"valid"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
