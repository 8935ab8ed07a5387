package vault

import (
	"errors"
	"sync/atomic"
)

// ErrNoCredential is returned when the vault was constructed without a
// usable credential pair.
var ErrNoCredential = errors.New("no upstream credential configured")

// Credential is the opaque identity pair used for the upstream credential
// exchange. The gateway never interprets the fields beyond passing them to
// the authenticator.
type Credential struct {
	Email    string
	Password string
}

// Vault holds the configured upstream identity and the optional outbound
// proxy rotation list. Both are fixed at process start; the vault hands out
// copies so no caller can mutate the stored values.
type Vault struct {
	cred     Credential
	proxies  []string
	proxyIdx atomic.Uint64
}

// New creates a Vault from the configured credential pair and proxy list.
func New(email, password string, proxies []string) *Vault {
	v := &Vault{
		cred: Credential{Email: email, Password: password},
	}
	for _, p := range proxies {
		if p != "" {
			v.proxies = append(v.proxies, p)
		}
	}
	return v
}

// Credential returns the stored identity pair, or ErrNoCredential when the
// vault is empty. Callers must treat the result as read-only.
func (v *Vault) Credential() (Credential, error) {
	if v.cred.Email == "" || v.cred.Password == "" {
		return Credential{}, ErrNoCredential
	}
	return v.cred, nil
}

// HasCredential reports whether a usable credential pair is configured.
func (v *Vault) HasCredential() bool {
	return v.cred.Email != "" && v.cred.Password != ""
}

// NextProxy returns the next proxy URL in round-robin order, or "" when no
// proxies are configured. Rotation spreads upstream traffic across exit IPs.
func (v *Vault) NextProxy() string {
	if len(v.proxies) == 0 {
		return ""
	}
	idx := v.proxyIdx.Add(1) - 1
	return v.proxies[idx%uint64(len(v.proxies))]
}

// ProxyCount returns how many proxies are configured.
func (v *Vault) ProxyCount() int {
	return len(v.proxies)
}
