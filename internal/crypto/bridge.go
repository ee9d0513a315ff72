package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"time"
)

// oidPGPPublicKey carries the serialized OpenPGP public key inside the certificate.
var oidPGPPublicKey = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 3401, 8, 1, 1}

// BridgeCertificate derives a self-signed X.509 certificate from the
// personal key, used for TLS client authentication. Returns DER bytes.
func BridgeCertificate(k *PersonalKey) ([]byte, error) {
	signer, ok := k.Entity.PrivateKey.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key cannot sign certificates")
	}
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	ext, err := asn1.Marshal(pub)
	if err != nil {
		return nil, err
	}

	created := k.Entity.PrimaryKey.CreationTime
	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).SetBytes(k.Entity.PrimaryKey.Fingerprint[4:]),
		Subject: pkix.Name{
			CommonName: k.UserID,
		},
		EmailAddresses:  []string{string(k.JID)},
		NotBefore:       created,
		NotAfter:        created.Add(20 * 365 * 24 * time.Hour),
		KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{{Id: oidPGPPublicKey, Value: ext}},
	}
	return x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
}
