// Package signing verifies detached OpenPGP signatures over package
// metadata+payload, satisfying blobstore.Verifier. Grounded on the
// teacher's stack choice of github.com/ProtonMail/go-crypto (present
// in go.mod for this reason) rather than a hand-rolled signature check.
package signing

import (
	"bytes"
	"io"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

// KeyringVerifier checks a detached signature against a fixed set of
// trusted publisher keys.
type KeyringVerifier struct {
	keyring openpgp.EntityList
}

// NewKeyringVerifier loads an armored public keyring from path.
func NewKeyringVerifier(path string) (*KeyringVerifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, lpmerrors.SignatureError("opening trusted keyring", err)
	}
	defer func() { _ = f.Close() }()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, lpmerrors.SignatureError("reading trusted keyring", err)
	}

	return &KeyringVerifier{keyring: keyring}, nil
}

// Verify checks sig as a detached OpenPGP signature over payload,
// satisfying blobstore.Verifier.
func (v *KeyringVerifier) Verify(payload io.Reader, sig []byte) error {
	_, err := openpgp.CheckDetachedSignature(v.keyring, payload, bytes.NewReader(sig), nil)
	if err != nil {
		return lpmerrors.SignatureError("detached signature does not verify against the trusted keyring", err)
	}

	return nil
}
