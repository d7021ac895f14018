package vnpay

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

type signer struct {
	secret []byte
}

func newSigner(secret string) *signer {
	return &signer{secret: []byte(secret)}
}

func (s *signer) sign(query string) string {
	return hex.EncodeToString(s.mac(query))
}

func (s *signer) mac(query string) []byte {
	h := hmac.New(sha512.New, s.secret)
	h.Write([]byte(query))
	return h.Sum(nil)
}

// verify accepts the hex signature in either case.
func (s *signer) verify(query, received string) bool {
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(received)))
	if err != nil {
		return false
	}
	return hmac.Equal(s.mac(query), got)
}

// canonicalQuery joins key=value pairs sorted by key. Values are escaped as RFC 3986
// data strings, so a space becomes %20 rather than '+'.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escapeData(params[k]))
	}
	return b.String()
}

func escapeData(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
