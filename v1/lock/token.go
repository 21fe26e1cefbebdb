package lock

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
)

// ErrInvalidTokenLength is returned by RandomToken generators created with a
// non-positive length.
var ErrInvalidTokenLength = errors.New("latch: token length must be positive")

// TokenFunc produces owner tokens. Tokens only need to be collision
// resistant, not unforgeable.
type TokenFunc func() (string, error)

// UUIDToken returns a random version 4 UUID. It is the default TokenFunc.
func UUIDToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

const alphanumerics = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// RandomToken returns a TokenFunc producing alphanumeric strings of length n.
func RandomToken(n int) TokenFunc {
	return func() (string, error) {
		if n <= 0 {
			return "", ErrInvalidTokenLength
		}
		out := make([]byte, 0, n)
		for len(out) < n {
			buf, err := hcuuid.GenerateRandomBytes(n - len(out) + 8)
			if err != nil {
				return "", err
			}
			for _, b := range buf {
				// 248 is the largest multiple of 62 below 256; rejecting the
				// rest keeps the distribution uniform.
				if b >= 248 {
					continue
				}
				out = append(out, alphanumerics[int(b)%len(alphanumerics)])
				if len(out) == n {
					break
				}
			}
		}
		return string(out), nil
	}
}

// StaticTokens returns a TokenFunc handing out tokens in order. Once the
// list is exhausted it keeps returning the last one.
func StaticTokens(tokens ...string) TokenFunc {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		if len(tokens) == 0 {
			return "", ErrInvalidOwner
		}
		mu.Lock()
		defer mu.Unlock()
		t := tokens[i]
		if i < len(tokens)-1 {
			i++
		}
		return t, nil
	}
}
