// Package payment requests payment links from the gateway and reconciles the
// gateway's webhook callbacks with bookings.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-reservation/internal/config"
)

// LinkRequest describes one checkout to open at the gateway.
type LinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	BuyerName   string
	BuyerPhone  string
	BuyerEmail  string
	Items       []Item
	ExpiredAt   time.Time
}

// Item is one line of the checkout.
type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// Link is the gateway's answer: where to send the customer and the VietQR
// payload for bank-app payment.
type Link struct {
	PaymentLinkID string
	CheckoutURL   string
	QRCode        string
}

// Gateway opens payment links.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error)
}

// ErrGateway wraps every failure reported by the gateway.
var ErrGateway = errors.New("payment gateway error")

// maxDescriptionLen is the gateway limit for bank transfer descriptions.
const maxDescriptionLen = 25

// PayOSClient talks to a PayOS compatible merchant API.
type PayOSClient struct {
	baseURL     string
	clientID    string
	apiKey      string
	checksumKey string
	returnURL   string
	cancelURL   string
	http        *http.Client
}

// NewPayOSClient builds a client from configuration.
func NewPayOSClient(cfg config.PayOSConfig) *PayOSClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PayOSClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		clientID:    cfg.ClientID,
		apiKey:      cfg.APIKey,
		checksumKey: cfg.ChecksumKey,
		returnURL:   cfg.ReturnURL,
		cancelURL:   cfg.CancelURL,
		http:        &http.Client{Timeout: timeout},
	}
}

type createLinkBody struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	BuyerName   string `json:"buyerName,omitempty"`
	BuyerEmail  string `json:"buyerEmail,omitempty"`
	BuyerPhone  string `json:"buyerPhone,omitempty"`
	Items       []Item `json:"items,omitempty"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

type envelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type linkData struct {
	PaymentLinkID string `json:"paymentLinkId"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

// CreatePaymentLink posts a signed payment request and returns the checkout
// link.  The response signature is verified when the gateway sends one.
func (c *PayOSClient) CreatePaymentLink(ctx context.Context, req LinkRequest) (*Link, error) {
	desc := req.Description
	if len(desc) > maxDescriptionLen {
		desc = desc[:maxDescriptionLen]
	}
	body := createLinkBody{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: desc,
		BuyerName:   req.BuyerName,
		BuyerEmail:  req.BuyerEmail,
		BuyerPhone:  req.BuyerPhone,
		Items:       req.Items,
		CancelURL:   c.cancelURL,
		ReturnURL:   c.returnURL,
		Signature:   SignPaymentRequest(c.checksumKey, req.Amount, c.cancelURL, desc, req.OrderCode, c.returnURL),
	}
	if !req.ExpiredAt.IsZero() {
		body.ExpiredAt = req.ExpiredAt.Unix()
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/payment-requests", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-client-id", c.clientID)
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGateway, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: http %d: %s", ErrGateway, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGateway, err)
	}
	if env.Code != successCode {
		return nil, fmt.Errorf("%w: code %s: %s", ErrGateway, env.Code, env.Desc)
	}
	if env.Signature != "" && !VerifyData(c.checksumKey, env.Data, env.Signature) {
		return nil, fmt.Errorf("%w: response signature mismatch", ErrGateway)
	}
	var d linkData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, fmt.Errorf("%w: decode data: %v", ErrGateway, err)
	}
	return &Link{PaymentLinkID: d.PaymentLinkID, CheckoutURL: d.CheckoutURL, QRCode: d.QRCode}, nil
}
