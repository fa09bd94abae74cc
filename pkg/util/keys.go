package util

import (
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams tunes the key derivation cost.
type Argon2idParams struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

var defaultArgon2idParams = Argon2idParams{
	Memory:      16 * 1024,
	Iterations:  3,
	Parallelism: 2,
	KeyLength:   32,
}

// DeriveMessagingKey stretches the fleet's pre-shared secret into a
// fixed-length symmetric key for hub payload encryption. The salt is derived
// from the cluster name so distinct clusters sharing a secret never share a
// key.
func DeriveMessagingKey(secret, clusterName string) []byte {
	p := defaultArgon2idParams
	salt := sha256.Sum256([]byte("fleet-hub:" + clusterName))
	return argon2.IDKey([]byte(secret), salt[:], p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
}
