// Package batchsigner is a Go client for the batchsignerd REST API.
package batchsigner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Sends wait for every broadcast, so it is generous.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the batchsignerd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Intent is one transaction request. Value is a decimal wei amount.
type Intent struct {
	ChainID uint64  `json:"chainId"`
	From    string  `json:"from"`
	To      string  `json:"to,omitempty"`
	Data    string  `json:"data,omitempty"`
	Value   string  `json:"value,omitempty"`
	Gas     *uint64 `json:"gas,omitempty"`
	Nonce   *uint64 `json:"nonce,omitempty"`
}

// MarshalJSON emits value as a JSON number so the server parses it as a big integer.
func (i Intent) MarshalJSON() ([]byte, error) {
	type plain struct {
		ChainID uint64          `json:"chainId"`
		From    string          `json:"from"`
		To      string          `json:"to,omitempty"`
		Data    string          `json:"data,omitempty"`
		Value   json.RawMessage `json:"value,omitempty"`
		Gas     *uint64         `json:"gas,omitempty"`
		Nonce   *uint64         `json:"nonce,omitempty"`
	}
	out := plain{ChainID: i.ChainID, From: i.From, To: i.To, Data: i.Data, Gas: i.Gas, Nonce: i.Nonce}
	if i.Value != "" {
		out.Value = json.RawMessage(i.Value)
	}
	return json.Marshal(out)
}

// PrepareRequest asks the server to prepare or open a batch.
type PrepareRequest struct {
	Intents       []Intent `json:"intents"`
	Security      bool     `json:"security"`
	Origin        string   `json:"origin,omitempty"`
	LegacyKeyring bool     `json:"legacyKeyring,omitempty"`
	GasAccountSig string   `json:"gasAccountSig,omitempty"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
}

// GasLevel selects a fee tier. Price is only read for the custom tier.
type GasLevel struct {
	Level string          `json:"level"`
	Price json.RawMessage `json:"price,omitempty"`
}

// CheckError is a non-fatal finding on the batch.
type CheckError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Level string `json:"level"`
}

// Tx is the prepared form of one intent.
type Tx struct {
	Nonce    uint64          `json:"nonce"`
	GasLimit uint64          `json:"gasLimit"`
	Fee      json.RawMessage `json:"fee"`
	GasCost  json.RawMessage `json:"gasCost"`
	Hash     string          `json:"hash,omitempty"`
}

// SignInfo tracks signing progress.
type SignInfo struct {
	CurrentTxIndex int    `json:"currentTxIndex"`
	Total          int    `json:"total"`
	Status         string `json:"status"`
}

// SignerContext is the server view of a batch.
type SignerContext struct {
	Fingerprint    string          `json:"fingerprint"`
	ChainID        uint64          `json:"chainId"`
	Txs            []Tx            `json:"txsCalc"`
	Gas            json.RawMessage `json:"gas"`
	CheckErrors    []CheckError    `json:"checkErrors"`
	IsGasNotEnough bool            `json:"isGasNotEnough"`
	Security       json.RawMessage `json:"security,omitempty"`
	GasMethod      string          `json:"gasMethod"`
	SignInfo       SignInfo        `json:"signInfo"`
	Open           bool            `json:"open"`
	LastError      string          `json:"lastError,omitempty"`
}

// SendRequest controls a send or a retry.
type SendRequest struct {
	Retry     bool   `json:"retry"`
	RetryType string `json:"retryType,omitempty"`
	PushType  string `json:"pushType,omitempty"`
}

// SendResult reports the outcome of a send.
type SendResult struct {
	Context     *SignerContext `json:"context"`
	Hashes      []string       `json:"hashes"`
	Failed      bool           `json:"failed"`
	FailedIndex int            `json:"failedIndex"`
	ErrorText   string         `json:"errorText,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("batchsigner api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("batchsigner api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Prepare composes a batch without opening it.
func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (*SignerContext, error) {
	var out SignerContext
	if err := c.post(ctx, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Open opens a batch, reusing the prepared context when the intents match.
func (c *Client) Open(ctx context.Context, req PrepareRequest) (*SignerContext, error) {
	var out SignerContext
	if err := c.post(ctx, "/api/v1/batches/open", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches the current context of a batch.
func (c *Client) Get(ctx context.Context, fingerprint string) (*SignerContext, error) {
	var out SignerContext
	if err := c.get(ctx, batchPath(fingerprint), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateGas switches the batch to another fee tier.
func (c *Client) UpdateGas(ctx context.Context, fingerprint string, level GasLevel) (*SignerContext, error) {
	var out SignerContext
	if err := c.post(ctx, batchPath(fingerprint, "gas"), level, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetGasMethod chooses between native gas and the gas account.
func (c *Client) SetGasMethod(ctx context.Context, fingerprint, method string) (*SignerContext, error) {
	var out SignerContext
	if err := c.post(ctx, batchPath(fingerprint, "gas-method"), map[string]string{"method": method}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close hides the batch without discarding it.
func (c *Client) Close(ctx context.Context, fingerprint string) (*SignerContext, error) {
	var out SignerContext
	if err := c.post(ctx, batchPath(fingerprint, "close"), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send broadcasts the batch or retries a failed send.
func (c *Client) Send(ctx context.Context, fingerprint string, req SendRequest) (*SendResult, error) {
	var out SendResult
	if err := c.post(ctx, batchPath(fingerprint, "send"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func batchPath(fingerprint string, rest ...string) string {
	parts := append([]string{"/api/v1/batches", url.PathEscape(fingerprint)}, rest...)
	return path.Join(parts...)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = string(data)
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
