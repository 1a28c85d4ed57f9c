package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"unicode"
)

// OIDs of the subject attributes a DistinguishedName can carry.
var (
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// DistinguishedName describes the subject of a CSR or certificate. All
// fields are optional, but at least one must be set to build a CSR.
type DistinguishedName struct {
	Country            string `json:"country,omitempty" yaml:"country"`
	Province           string `json:"province,omitempty" yaml:"province"`
	Locality           string `json:"locality,omitempty" yaml:"locality"`
	Organization       string `json:"organization,omitempty" yaml:"organization"`
	OrganizationalUnit string `json:"organizational_unit,omitempty" yaml:"organizational_unit"`
	CommonName         string `json:"common_name,omitempty" yaml:"common_name"`
	Email              string `json:"email,omitempty" yaml:"email"`
}

// Attribute is a single subject attribute in encoding order.
type Attribute struct {
	Type  string
	OID   asn1.ObjectIdentifier
	Value string
}

// Attributes returns the non-empty fields in subject order:
// C, ST, L, O, OU, CN, emailAddress.
func (dn DistinguishedName) Attributes() []Attribute {
	all := []Attribute{
		{"C", oidCountry, dn.Country},
		{"ST", oidProvince, dn.Province},
		{"L", oidLocality, dn.Locality},
		{"O", oidOrganization, dn.Organization},
		{"OU", oidOrganizationalUnit, dn.OrganizationalUnit},
		{"CN", oidCommonName, dn.CommonName},
		{"emailAddress", oidEmailAddress, dn.Email},
	}
	attrs := all[:0]
	for _, a := range all {
		if a.Value != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// IsZero reports whether no field is set.
func (dn DistinguishedName) IsZero() bool {
	return len(dn.Attributes()) == 0
}

// Validate reports whether the name can be encoded as a CSR subject: at
// least one field set and an email address within IA5 (7-bit ASCII).
func (dn DistinguishedName) Validate() error {
	if dn.IsZero() {
		return ErrInvalidSubject
	}
	for i := 0; i < len(dn.Email); i++ {
		if dn.Email[i] > unicode.MaxASCII {
			return fmt.Errorf("%w: email address %q is not ASCII", ErrInvalidSubject, dn.Email)
		}
	}
	return nil
}

// String formats the name as "C=..., ST=..., ...".
func (dn DistinguishedName) String() string {
	attrs := dn.Attributes()
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		parts = append(parts, a.Type+"="+a.Value)
	}
	return strings.Join(parts, ", ")
}

// Name returns the name as a pkix.Name. The email address is carried as an
// extra attribute since pkix.Name has no field for it.
func (dn DistinguishedName) Name() pkix.Name {
	var n pkix.Name
	if dn.Country != "" {
		n.Country = []string{dn.Country}
	}
	if dn.Province != "" {
		n.Province = []string{dn.Province}
	}
	if dn.Locality != "" {
		n.Locality = []string{dn.Locality}
	}
	if dn.Organization != "" {
		n.Organization = []string{dn.Organization}
	}
	if dn.OrganizationalUnit != "" {
		n.OrganizationalUnit = []string{dn.OrganizationalUnit}
	}
	n.CommonName = dn.CommonName
	if dn.Email != "" {
		n.ExtraNames = []pkix.AttributeTypeAndValue{{Type: oidEmailAddress, Value: dn.Email}}
	}
	return n
}

// rawSubject DER-encodes the name as an RDN sequence with one attribute per
// RDN, in Attributes order. The email address is an IA5String as in PKCS#9.
func (dn DistinguishedName) rawSubject() ([]byte, error) {
	if err := dn.Validate(); err != nil {
		return nil, err
	}
	attrs := dn.Attributes()
	seq := make(pkix.RDNSequence, 0, len(attrs))
	for _, a := range attrs {
		var value any = a.Value
		if a.OID.Equal(oidEmailAddress) {
			value = asn1.RawValue{Tag: asn1.TagIA5String, Bytes: []byte(a.Value)}
		}
		seq = append(seq, pkix.RelativeDistinguishedNameSET{{Type: a.OID, Value: value}})
	}
	der, err := asn1.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("encoding subject: %w", err)
	}
	return der, nil
}
