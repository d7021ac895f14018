package vnpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

const (
	ResultSucceeded = "Payment successfully"
	ResultFailed    = "Payment Failed"
)

// ResultSigner signs the status text handed to the browser after a callback so the
// front end can check it was produced by this service.
type ResultSigner struct {
	secret      []byte
	redirectURL string
}

func NewResultSigner(secret, redirectURL string) (*ResultSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("result signer: empty secret")
	}
	if _, err := url.Parse(redirectURL); err != nil {
		return nil, fmt.Errorf("result signer: redirect url: %w", err)
	}
	return &ResultSigner{secret: []byte(secret), redirectURL: redirectURL}, nil
}

func (s *ResultSigner) Sign(data string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign. A '+' that was turned into a space by
// query decoding is restored first.
func (s *ResultSigner) Verify(data, signature string) bool {
	got, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(signature, " ", "+"))
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(data))
	return hmac.Equal(h.Sum(nil), got)
}

func (s *ResultSigner) RedirectURL(success bool) string {
	status := ResultFailed
	if success {
		status = ResultSucceeded
	}
	q := url.Values{}
	q.Set("paymentStatus", status)
	q.Set("signature", s.Sign(status))

	sep := "?"
	if strings.Contains(s.redirectURL, "?") {
		sep = "&"
	}
	return s.redirectURL + sep + q.Encode()
}
