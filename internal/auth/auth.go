// Package auth implements the shared-cookie challenge used by distribution
// handshakes.
//
// It holds no policy: a peer either proves knowledge of the cookie or not.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"strconv"
)

const DigestLen = md5.Size

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrEmptyCookie  = errors.New("auth: empty cookie")
)

// Verifier checks a challenge digest presented by a peer.
type Verifier interface {
	Verify(challenge uint32, digest []byte) error
}

// Cookie is the shared secret of a distribution cluster.
type Cookie string

// Digest is MD5(cookie ++ decimal(challenge)).
func (c Cookie) Digest(challenge uint32) [DigestLen]byte {
	return md5.Sum([]byte(string(c) + strconv.FormatUint(uint64(challenge), 10)))
}

func (c Cookie) Verify(challenge uint32, digest []byte) error {
	if c == "" {
		return ErrEmptyCookie
	}
	want := c.Digest(challenge)
	if subtle.ConstantTimeCompare(want[:], digest) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncVerifier adapts a function into a Verifier.
type FuncVerifier func(challenge uint32, digest []byte) error

func (f FuncVerifier) Verify(challenge uint32, digest []byte) error {
	return f(challenge, digest)
}

// NewChallenge returns a random 32-bit challenge.
func NewChallenge() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
