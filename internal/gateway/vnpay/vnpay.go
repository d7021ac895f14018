// Package vnpay builds signed VNPay payment redirects and verifies VNPay callbacks.
package vnpay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hotelbooking/internal/domain"
)

const (
	ParamVersion        = "vnp_Version"
	ParamCommand        = "vnp_Command"
	ParamTmnCode        = "vnp_TmnCode"
	ParamIPAddr         = "vnp_IpAddr"
	ParamAmount         = "vnp_Amount"
	ParamCurrCode       = "vnp_CurrCode"
	ParamTxnRef         = "vnp_TxnRef"
	ParamOrderInfo      = "vnp_OrderInfo"
	ParamOrderType      = "vnp_OrderType"
	ParamLocale         = "vnp_Locale"
	ParamReturnURL      = "vnp_ReturnUrl"
	ParamCreateDate     = "vnp_CreateDate"
	ParamResponseCode   = "vnp_ResponseCode"
	ParamTransactionNo  = "vnp_TransactionNo"
	ParamSecureHash     = "vnp_SecureHash"
	ParamSecureHashType = "vnp_SecureHashType"

	ResponseCodeSuccess = "00"

	// amounts are sent in minor units
	amountScale = 100

	createDateLayout = "20060102150405"
	defaultClientIP  = "127.0.0.1"
)

type Config struct {
	BaseURL    string
	TmnCode    string
	HashSecret string
	ReturnURL  string
	Location   *time.Location
	Locale     string
	Currency   string
	Version    string
	OrderType  string
}

func (c *Config) applyDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Locale == "" {
		c.Locale = "vn"
	}
	if c.Currency == "" {
		c.Currency = "VND"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.OrderType == "" {
		c.OrderType = "billpayment"
	}
}

func (c Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if c.TmnCode == "" {
		missing = append(missing, "tmn_code")
	}
	if c.HashSecret == "" {
		missing = append(missing, "hash_secret")
	}
	if c.ReturnURL == "" {
		missing = append(missing, "return_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("vnpay config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Adapter implements domain.PaymentGateway. The hash secret is kept unexported and is never
// part of any returned value.
type Adapter struct {
	cfg    Config
	signer *signer
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("vnpay config: base_url: %w", err)
	}
	return &Adapter{cfg: cfg, signer: newSigner(cfg.HashSecret)}, nil
}

type orderInfo struct {
	OrderId   string `json:"OrderId"`
	PaymentId int64  `json:"PaymentId"`
}

func (a *Adapter) BuildPaymentURL(order domain.PaymentOrder) (string, error) {
	if order.PaymentID <= 0 || order.BookingID <= 0 {
		return "", domain.ValidationError{Field: "order", Msg: "booking and payment ids are required"}
	}
	if order.Amount <= 0 {
		return "", domain.ValidationError{Field: "amount", Msg: "must be positive"}
	}

	info, err := json.Marshal(orderInfo{
		OrderId:   strconv.FormatInt(order.BookingID, 10),
		PaymentId: order.PaymentID,
	})
	if err != nil {
		return "", fmt.Errorf("encode order info: %w", err)
	}

	ip := order.ClientIP
	if ip == "" {
		ip = defaultClientIP
	}
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	params := map[string]string{
		ParamVersion:    a.cfg.Version,
		ParamCommand:    "pay",
		ParamTmnCode:    a.cfg.TmnCode,
		ParamIPAddr:     ip,
		ParamAmount:     strconv.FormatInt(order.Amount*amountScale, 10),
		ParamCurrCode:   a.cfg.Currency,
		ParamTxnRef:     strconv.FormatInt(order.PaymentID, 10),
		ParamOrderInfo:  string(info),
		ParamOrderType:  a.cfg.OrderType,
		ParamLocale:     a.cfg.Locale,
		ParamReturnURL:  a.cfg.ReturnURL,
		ParamCreateDate: created.In(a.cfg.Location).Format(createDateLayout),
	}

	query := canonicalQuery(params)
	return a.cfg.BaseURL + "?" + query + "&" + ParamSecureHash + "=" + a.signer.sign(query), nil
}

// ParseCallback decodes callback parameters. An absent or wrong signature is reported
// through Verified=false with identifiers filled on a best-effort basis. An error is returned
// only for a correctly signed payload that cannot be decoded.
func (a *Adapter) ParseCallback(params url.Values) (*domain.GatewayCallback, error) {
	flat := make(map[string]string, len(params))
	for k := range params {
		flat[k] = params.Get(k)
	}

	received := flat[ParamSecureHash]
	delete(flat, ParamSecureHash)
	delete(flat, ParamSecureHashType)

	cb := &domain.GatewayCallback{
		ResponseCode:  flat[ParamResponseCode],
		TransactionNo: flat[ParamTransactionNo],
	}

	if ref := flat[ParamTxnRef]; ref != "" {
		id, err := strconv.ParseInt(ref, 10, 64)
		if err == nil {
			cb.PaymentID = id
		}
	}

	info, infoErr := decodeOrderInfo(flat[ParamOrderInfo])
	if infoErr == nil {
		if id, err := strconv.ParseInt(info.OrderId, 10, 64); err == nil {
			cb.BookingID = id
		}
		if cb.PaymentID == 0 {
			cb.PaymentID = info.PaymentId
		}
	}

	amount, amountErr := parseAmount(flat[ParamAmount])
	if amountErr == nil {
		cb.Amount = amount
	}

	cb.Verified = received != "" && a.signer.verify(canonicalQuery(flat), received)
	if !cb.Verified {
		return cb, nil
	}

	if infoErr != nil {
		return nil, domain.ValidationError{Field: ParamOrderInfo, Err: infoErr}
	}
	if amountErr != nil {
		return nil, domain.ValidationError{Field: ParamAmount, Err: amountErr}
	}
	if cb.PaymentID == 0 || cb.BookingID == 0 {
		return nil, domain.ValidationError{Field: ParamOrderInfo, Msg: "missing booking or payment id"}
	}
	if info.PaymentId != 0 && info.PaymentId != cb.PaymentID {
		return nil, domain.ValidationError{Field: ParamOrderInfo, Msg: "payment id does not match transaction reference"}
	}

	cb.Success = cb.ResponseCode == ResponseCodeSuccess
	return cb, nil
}

func decodeOrderInfo(raw string) (orderInfo, error) {
	var info orderInfo
	if raw == "" {
		return info, errors.New("empty order info")
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return info, fmt.Errorf("decode order info: %w", err)
	}
	return info, nil
}

func parseAmount(raw string) (int64, error) {
	minor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if minor < 0 || minor%amountScale != 0 {
		return 0, fmt.Errorf("amount %d is not a whole value", minor)
	}
	return minor / amountScale, nil
}
