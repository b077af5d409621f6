package preparer

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
)

var dkimHeaderKeys = []string{"from", "to", "subject", "date", "message-id", "mime-version", "content-type"}

// DKIMSigner signs the rendered message. It must run after RawPreparer.
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner parses a PEM encoded RSA or Ed25519 private key.
func NewDKIMSigner(domain string, selector string, pemKey []byte) (*DKIMSigner, error) {
	if domain == "" || selector == "" {
		return nil, fmt.Errorf("dkim: domain and selector are required")
	}
	key, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, fmt.Errorf("dkim: parse private key: %w", err)
	}
	return &DKIMSigner{domain: domain, selector: selector, key: key}, nil
}

func (s *DKIMSigner) Prepare(_ context.Context, msg *Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("dkim: nothing to sign")
	}

	var signed bytes.Buffer
	err := dkim.Sign(&signed, bytes.NewReader(msg.Raw), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             dkimHeaderKeys,
	})
	if err != nil {
		return fmt.Errorf("dkim: sign: %w", err)
	}
	msg.Raw = signed.Bytes()
	return nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, fmt.Errorf("no private key found in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported PKCS#8 key type %T", key)
			}
			return signer, nil
		}
		pemData = rest
	}
}
