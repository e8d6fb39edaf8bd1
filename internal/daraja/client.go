// Package daraja is a client for the M-Pesa Daraja API: OAuth tokens, STK
// push charges, STK status queries and C2B callback URL registration.
package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/model"
)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	pathToken    = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush  = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery = "/mpesa/stkpush/v1/query"
	pathRegister = "/mpesa/c2b/v1/registerurl"

	// Returned by the STK query while the payer has not answered the prompt.
	codeStillProcessing = "500.001.1001"
)

var nairobi = time.FixedZone("EAT", 3*60*60)

// ErrUnavailable marks transport failures and 5xx answers; callers may retry.
var ErrUnavailable = errors.New("payment gateway unavailable")

type ChargeRequest struct {
	Amount      int64
	Phone       string
	Reference   string
	Description string
	CallbackURL string
}

type ChargeResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type QueryResult struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	// Pending is set while the payer has not completed the prompt.
	Pending bool
}

func (r QueryResult) Succeeded() bool {
	return !r.Pending && r.ResultCode == "0"
}

type Client struct {
	baseURL string
	http    *http.Client
	now     func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value   string
	expires time.Time
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = SandboxBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
		tokens:  make(map[string]cachedToken),
	}
}

// Password signs a request: base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

func (c *Client) timestamp() string {
	return c.now().In(nairobi).Format("20060102150405")
}

func (c *Client) token(ctx context.Context, creds model.GatewayCredentials) (string, error) {
	c.mu.Lock()
	if t, ok := c.tokens[creds.ConsumerKey]; ok && c.now().Before(t.expires) {
		c.mu.Unlock()
		return t.value, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathToken, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(creds.ConsumerKey, creds.ConsumerSecret)
	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("oauth: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("oauth: %w: empty access token", model.ErrGatewayRejected)
	}
	ttl, _ := strconv.Atoi(out.ExpiresIn)
	if ttl <= 0 {
		ttl = 3599
	}
	c.mu.Lock()
	// Refresh a minute early so a token never expires mid-request.
	c.tokens[creds.ConsumerKey] = cachedToken{value: out.AccessToken, expires: c.now().Add(time.Duration(ttl)*time.Second - time.Minute)}
	c.mu.Unlock()
	return out.AccessToken, nil
}

// STKPush prompts the payer's phone for the charge.
func (c *Client) STKPush(ctx context.Context, creds model.GatewayCredentials, in ChargeRequest) (ChargeResponse, error) {
	ts := c.timestamp()
	txType := "CustomerPayBillOnline"
	if creds.Kind() == model.KindTill {
		txType = "CustomerBuyGoodsOnline"
	}
	body := map[string]any{
		"BusinessShortCode": creds.BusinessShortcode(),
		"Password":          Password(creds.BusinessShortcode(), creds.Passkey, ts),
		"Timestamp":         ts,
		"TransactionType":   txType,
		"Amount":            in.Amount,
		"PartyA":            in.Phone,
		"PartyB":            creds.PartyB(),
		"PhoneNumber":       in.Phone,
		"CallBackURL":       in.CallbackURL,
		"AccountReference":  AccountReference(in.Reference),
		"TransactionDesc":   truncate(in.Description, 13),
	}
	var out ChargeResponse
	if err := c.post(ctx, creds, pathSTKPush, body, &out); err != nil {
		return ChargeResponse{}, fmt.Errorf("stk push: %w", err)
	}
	if out.ResponseCode != "0" {
		return out, fmt.Errorf("stk push: %w: %s %s", model.ErrGatewayRejected, out.ResponseCode, out.ResponseDescription)
	}
	return out, nil
}

// STKQuery asks the gateway for the outcome of a pending charge.
func (c *Client) STKQuery(ctx context.Context, creds model.GatewayCredentials, checkoutRequestID string) (QueryResult, error) {
	ts := c.timestamp()
	body := map[string]any{
		"BusinessShortCode": creds.BusinessShortcode(),
		"Password":          Password(creds.BusinessShortcode(), creds.Passkey, ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}
	var out struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResultCode        string `json:"ResultCode"`
		ResultDesc        string `json:"ResultDesc"`
	}
	err := c.post(ctx, creds, pathSTKQuery, body, &out)
	var ae *statusError
	if errors.As(err, &ae) && ae.body.ErrorCode == codeStillProcessing {
		return QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultDesc: ae.body.ErrorMessage}, nil
	}
	if err != nil {
		return QueryResult{}, fmt.Errorf("stk query: %w", err)
	}
	return QueryResult{CheckoutRequestID: checkoutRequestID, ResultCode: out.ResultCode, ResultDesc: out.ResultDesc}, nil
}

// RegisterURLs points the shortcode's C2B confirmation and validation
// callbacks at their endpoints. Registering again replaces the previous
// URLs. STK results do not use these; each push carries its own callback.
func (c *Client) RegisterURLs(ctx context.Context, creds model.GatewayCredentials, confirmationURL, validationURL string) error {
	body := map[string]any{
		"ShortCode":       creds.BusinessShortcode(),
		"ResponseType":    "Completed",
		"ConfirmationURL": confirmationURL,
		"ValidationURL":   validationURL,
	}
	var out struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := c.post(ctx, creds, pathRegister, body, &out); err != nil {
		return fmt.Errorf("register urls: %w", err)
	}
	if out.ResponseCode != "" && out.ResponseCode != "0" {
		return fmt.Errorf("register urls: %w: %s", model.ErrGatewayRejected, out.ResponseDescription)
	}
	return nil
}

func (c *Client) post(ctx context.Context, creds model.GatewayCredentials, path string, body, out any) error {
	token, err := c.token(ctx, creds)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

type statusError struct {
	status int
	body   apiError
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s %s", e.status, e.body.ErrorCode, e.body.ErrorMessage)
}

func (e *statusError) Unwrap() error {
	if e.status >= 500 {
		return ErrUnavailable
	}
	return model.ErrGatewayRejected
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	log.WithFields(log.Fields{
		"event":       "daraja_call",
		"path":        req.URL.Path,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("daraja call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{status: resp.StatusCode}
		_ = json.Unmarshal(respBody, &se.body)
		return se
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
