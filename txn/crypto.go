package txn

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// Signature is one party's signature over the digest of the canonical
// proposal bytes.
//
// Supported Alg values: ed25519, dilithium3.
// Supported HashAlg values: sha256, sha512, sha3-256.
type Signature struct {
	Alg       string
	HashAlg   string
	PublicKey []byte
	Sig       []byte
}

func digestFor(hashAlg string, message []byte) ([]byte, error) {
	switch hashAlg {
	case "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, NewError(KindCrypto, "unsupported hash algorithm: "+hashAlg)
	}
}

// Verify checks the signature against the canonical proposal bytes.
func (s Signature) Verify(txBytes []byte) error {
	digest, err := digestFor(s.HashAlg, txBytes)
	if err != nil {
		return err
	}
	switch s.Alg {
	case "ed25519":
		if len(s.PublicKey) != ed25519.PublicKeySize {
			return NewError(KindCrypto, "invalid ed25519 public key length")
		}
		if len(s.Sig) != ed25519.SignatureSize {
			return NewError(KindCrypto, "invalid ed25519 signature length")
		}
		if !ed25519.Verify(ed25519.PublicKey(s.PublicKey), digest, s.Sig) {
			return NewError(KindVerification, "signature invalid")
		}
		return nil
	case "dilithium3":
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(s.PublicKey); err != nil {
			return WrapError(KindCrypto, "invalid dilithium3 public key", err)
		}
		if len(s.Sig) != mode3.SignatureSize {
			return NewError(KindCrypto, "invalid dilithium3 signature length")
		}
		if !mode3.Verify(&pk, digest, s.Sig) {
			return NewError(KindVerification, "signature invalid")
		}
		return nil
	default:
		return NewError(KindCrypto, "unsupported signature algorithm: "+s.Alg)
	}
}

// SignEd25519 signs sha256(txBytes) with an ed25519 key.
func SignEd25519(txBytes []byte, priv ed25519.PrivateKey) Signature {
	digest := sha256.Sum256(txBytes)
	return Signature{
		Alg:       "ed25519",
		HashAlg:   "sha256",
		PublicKey: append([]byte(nil), priv.Public().(ed25519.PublicKey)...),
		Sig:       ed25519.Sign(priv, digest[:]),
	}
}

// SignDilithium3 signs hash(txBytes) with a dilithium3 key.
// hashAlg must be one of: sha256, sha512, sha3-256.
func SignDilithium3(txBytes []byte, hashAlg string, priv *mode3.PrivateKey) (Signature, error) {
	if priv == nil {
		return Signature{}, NewError(KindCrypto, "missing private key")
	}
	digest, err := digestFor(hashAlg, txBytes)
	if err != nil {
		return Signature{}, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(priv, digest, sig)
	pub, err := priv.Public().(*mode3.PublicKey).MarshalBinary()
	if err != nil {
		return Signature{}, WrapError(KindCrypto, "marshal dilithium3 public key", err)
	}
	return Signature{Alg: "dilithium3", HashAlg: hashAlg, PublicKey: pub, Sig: sig}, nil
}
