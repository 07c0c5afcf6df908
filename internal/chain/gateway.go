package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Gateway talks JSON over HTTP to the ledger gateway service that holds
// the funding account's signing key.
type Gateway struct {
	baseURL    string
	token      string
	mint       string
	funding    string
	httpClient *http.Client
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	BaseURL        string
	Token          string
	Mint           string
	FundingAccount string
	Timeout        time.Duration
}

func NewGateway(cfg GatewayConfig) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		mint:       cfg.Mint,
		funding:    cfg.FundingAccount,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Client = (*Gateway)(nil)

type ensureAccountRequest struct {
	Owner string `json:"owner"`
	Mint  string `json:"mint"`
}

type accountResponse struct {
	Account string `json:"account"`
}

func (g *Gateway) EnsureAccount(ctx context.Context, owner string) (string, error) {
	var out accountResponse
	err := g.do(ctx, http.MethodPost, "/v1/accounts", ensureAccountRequest{Owner: owner, Mint: g.mint}, &out)
	if err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}
	if out.Account == "" {
		return "", fmt.Errorf("ensure account: %w: empty account in response", ErrTransient)
	}
	return out.Account, nil
}

type submitTransferRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Mint           string `json:"mint"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type transferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status,omitempty"`
}

func (g *Gateway) SubmitTransfer(ctx context.Context, req TransferRequest) (string, error) {
	body := submitTransferRequest{
		From:           g.funding,
		To:             req.To,
		Mint:           g.mint,
		Amount:         strconv.FormatInt(req.Amount, 10),
		IdempotencyKey: req.IdempotencyKey,
	}
	var out transferResponse
	if err := g.do(ctx, http.MethodPost, "/v1/transfers", body, &out); err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}
	if out.Reference == "" {
		return "", fmt.Errorf("submit transfer: %w: empty reference in response", ErrTransient)
	}
	return out.Reference, nil
}

func (g *Gateway) QueryStatus(ctx context.Context, reference string) (TransferStatus, error) {
	var out transferResponse
	if err := g.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(reference), nil, &out); err != nil {
		return StatusUnknown, fmt.Errorf("query status: %w", err)
	}
	switch TransferStatus(out.Status) {
	case StatusConfirmed, StatusRejected:
		return TransferStatus(out.Status), nil
	default:
		return StatusUnknown, nil
	}
}

func (g *Gateway) LookupTransfer(ctx context.Context, key string) (string, error) {
	var out transferResponse
	path := "/v1/transfers?idempotency_key=" + url.QueryEscape(key)
	if err := g.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("lookup transfer: %w", err)
	}
	if out.Reference == "" {
		return "", ErrNotFound
	}
	return out.Reference, nil
}

type balanceResponse struct {
	Amount string `json:"amount"`
}

func (g *Gateway) FundingBalance(ctx context.Context) (int64, error) {
	var out balanceResponse
	path := "/v1/accounts/" + url.PathEscape(g.funding) + "/balance?mint=" + url.QueryEscape(g.mint)
	if err := g.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("funding balance: %w", err)
	}
	n, err := strconv.ParseInt(out.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("funding balance: %w: bad amount %q", ErrTransient, out.Amount)
	}
	return n, nil
}

// notFoundCode is the error code the gateway puts on a 404 for a transfer
// it does not know. A 404 without it is a routing problem, not an answer.
const notFoundCode = "transfer_not_found"

// do sends one request and classifies the response. Network errors, 5xx and
// 429 are ErrTransient; 402 is ErrInsufficientFunds; a 404 carrying
// notFoundCode is ErrNotFound and any other 404 is ErrTransient; any other
// 4xx is ErrRejected.
func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code, msg := readError(resp.Body)
		switch {
		case resp.StatusCode == http.StatusPaymentRequired:
			return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
		case resp.StatusCode == http.StatusNotFound && code == notFoundCode:
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: status 404 on %s %s: %s", ErrTransient, method, path, msg)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, msg)
		default:
			return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return nil
}

func readError(r io.Reader) (code, msg string) {
	var e struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(b, &e) == nil && e.Error != "" {
		return e.Code, e.Error
	}
	return e.Code, strings.TrimSpace(string(b))
}
