// Package mpesa talks to the Safaricom Daraja API: OAuth token fetch,
// Lipa na M-Pesa Online (STK push) and the asynchronous result callback.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	TransactionType  = "CustomerPayBillOnline"
	AccountReference = "StrathShare"

	// ResponseAccepted is the ResponseCode of an STK push the gateway is processing.
	ResponseAccepted = "0"
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	CallbackURL    string
	Timeout        time.Duration
	RatePerSecond  float64
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time

	tokens   singleflight.Group
	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
}

// APIError is a non-2xx answer from Daraja.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daraja: http %d", e.Status)
	}
	return e.Message
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// Timestamp formats t as YYYYMMDDHHMMSS in East Africa Time.
func Timestamp(t time.Time) string {
	return t.In(eat).Format("20060102150405")
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Authorize returns a bearer token, reusing the cached one until shortly
// before it expires. Concurrent callers share one token fetch; each stops
// waiting when its own ctx is done.
func (c *Client) Authorize(ctx context.Context) (string, error) {
	if tok, ok := c.cachedToken(); ok {
		return tok, nil
	}
	ch := c.tokens.DoChan("token", func() (any, error) {
		if tok, ok := c.cachedToken(); ok {
			return tok, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		return c.fetchToken(fctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Client) cachedToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, true
	}
	return "", false
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	var out tokenResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", fmt.Errorf("mpesa token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("mpesa token: empty access_token")
	}

	ttl := time.Hour
	if secs, err := time.ParseDuration(strings.TrimSpace(out.ExpiresIn) + "s"); err == nil && secs > time.Minute {
		ttl = secs
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = out.AccessToken
	c.tokenExp = c.now().Add(ttl - time.Minute)
	return c.token, nil
}

// STKRequest is what the caller knows about a payment prompt.
type STKRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

type stkBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (r STKResponse) Accepted() bool { return r.ResponseCode == ResponseAccepted }

// STKPush prompts the customer's handset for their M-Pesa PIN.
func (c *Client) STKPush(ctx context.Context, in STKRequest) (STKResponse, error) {
	token, err := c.Authorize(ctx)
	if err != nil {
		return STKResponse{}, err
	}

	ts := Timestamp(c.now())
	ref := in.Reference
	if ref == "" {
		ref = AccountReference
	}
	body := stkBody{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   TransactionType,
		Amount:            in.Amount,
		PartyA:            in.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       in.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  ref,
		TransactionDesc:   in.Description,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return STKResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPath, bytes.NewReader(buf))
	if err != nil {
		return STKResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	var out STKResponse
	if err := c.do(ctx, req, &out); err != nil {
		return STKResponse{}, err
	}
	return out, nil
}

type errorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return &APIError{Status: resp.StatusCode, Code: eb.ErrorCode, Message: eb.ErrorMessage}
	}
	return json.Unmarshal(raw, out)
}
