// Package mpesa integrates the Safaricom Daraja API: STK push collection,
// transaction status queries and B2C disbursement. The client is the only
// place provider credentials live; orchestration code never sees them and
// never calls the provider while holding a row lock.
package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Shortcode          string
	Passkey            string
	InitiatorName      string
	SecurityCredential string
	// CallbackURL receives STK push results, ResultURL B2C results.
	CallbackURL string
	ResultURL   string
	TimeoutURL  string
}

type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient, log: log}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns a cached OAuth token, refreshing shortly before it
// expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("mpesa token request: status %d: %s", resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("mpesa token decode: %w", err)
	}

	c.token = tok.AccessToken
	// Daraja tokens live 3599s; refresh a minute early.
	c.tokenExp = time.Now().Add(58 * time.Minute)
	return c.token, nil
}

type STKPushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	TransactionDesc  string
}

type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush initiates a Lipa Na M-Pesa Online collection. Daraja accepts
// whole currency units only.
func (c *Client) STKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	password, timestamp := c.password()
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            in.Amount.IntPart(),
		"PartyA":            in.PhoneNumber,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       in.PhoneNumber,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  in.AccountReference,
		"TransactionDesc":   in.TransactionDesc,
	}

	c.log.Info("initiating stk push", "reference", in.AccountReference, "amount", in.Amount)

	var out STKPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type STKStatusResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// QuerySTKStatus asks Daraja for the outcome of an earlier STK push.
func (c *Client) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*STKStatusResponse, error) {
	password, timestamp := c.password()
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var out STKStatusResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type B2CRequest struct {
	PhoneNumber string
	Amount      decimal.Decimal
	Remarks     string
	Occasion    string
}

type B2CResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2CPayment initiates a business-to-customer disbursement. The async
// outcome arrives at ResultURL.
func (c *Client) B2CPayment(ctx context.Context, in B2CRequest) (*B2CResponse, error) {
	payload := map[string]any{
		"InitiatorName":      c.cfg.InitiatorName,
		"SecurityCredential": c.cfg.SecurityCredential,
		"CommandID":          "BusinessPayment",
		"Amount":             in.Amount.IntPart(),
		"PartyA":             c.cfg.Shortcode,
		"PartyB":             in.PhoneNumber,
		"Remarks":            in.Remarks,
		"QueueTimeOutURL":    c.cfg.TimeoutURL,
		"ResultURL":          c.cfg.ResultURL,
		"Occasion":           in.Occasion,
	}

	c.log.Info("initiating b2c payment", "amount", in.Amount)

	var out B2CResponse
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mpesa %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("mpesa %s: status %d: %s", path, resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mpesa %s: decode: %w", path, err)
	}
	return nil
}

func (c *Client) password() (password, timestamp string) {
	timestamp = time.Now().Format("20060102150405")
	password = base64encode(c.cfg.Shortcode + c.cfg.Passkey + timestamp)
	return password, timestamp
}
