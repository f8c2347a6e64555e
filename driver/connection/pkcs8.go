package connection

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/youmark/pkcs8"
)

// decryptPKCS8PEM decrypts a password-protected PKCS#8 PEM-encoded private
// key and re-encodes it as a plain PKCS#8 PEM block tls.X509KeyPair can
// parse. LoadClientCertificate calls it whenever it is given a non-empty
// key password.
func decryptPKCS8PEM(keyPEM []byte, password []byte) ([]byte, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("connection: no PEM block found in client key")
	}

	key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
	if err != nil {
		return nil, fmt.Errorf("connection: decrypt PKCS#8 client key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("connection: re-encode decrypted client key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
