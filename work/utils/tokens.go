package utils

import (
	"crypto/rand"
	"encoding/base64"
)

// RandomToken returns a URL-safe token built from n bytes of entropy. Used
// for API key material and stream ticket ids, both of which are treated as
// capability tokens and must be unguessable.
func RandomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform source is broken;
		// nothing sensible can be served without it.
		panic("utils: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
