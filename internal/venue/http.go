package venue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPClient talks to the venue's REST API. It implements both
// ExecutionClient and BalanceSource.
type HTTPClient struct {
	baseURL string
	asset   string
	http    *http.Client
}

// NewHTTPClient builds a client against the venue endpoint. The collateral
// asset is used for balance lookups when the caller passes an empty asset.
func NewHTTPClient(endpoint, asset string) (*HTTPClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, errs.New("venue", errs.CodeInvalid, errs.WithMessage("endpoint required"))
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, errs.New("venue", errs.CodeInvalid, errs.WithMessage("invalid endpoint"), errs.WithCause(err))
	}
	return &HTTPClient{
		baseURL: trimmed,
		asset:   strings.TrimSpace(asset),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

type submitRequest struct {
	Market        string `json:"market"`
	IsBuy         bool   `json:"isbuy"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	ClientOrderID string `json:"cloid"`
}

type submitResponse struct {
	OrderID *int64 `json:"orderid"`
}

type cancelRequest struct {
	Market   string  `json:"market"`
	OrderIDs []int64 `json:"orderids"`
}

type balanceResponse struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder places a limit order and returns the venue order id.
func (c *HTTPClient) SubmitOrder(ctx context.Context, market string, side schema.TradeSide, price, size decimal.Decimal, clientOrderID string) (int64, error) {
	body := submitRequest{
		Market:        market,
		IsBuy:         side == schema.TradeSideBuy,
		Price:         price.String(),
		Size:          size.String(),
		ClientOrderID: clientOrderID,
	}
	var resp submitResponse
	if err := c.post(ctx, "/orders", body, &resp); err != nil {
		return 0, err
	}
	if resp.OrderID == nil {
		return 0, errs.New("venue", errs.CodeInvalid, errs.WithMessage("submit response missing orderid"))
	}
	return *resp.OrderID, nil
}

// CancelOrders cancels the given venue order ids.
func (c *HTTPClient) CancelOrders(ctx context.Context, market string, orderIDs []int64) error {
	if len(orderIDs) == 0 {
		return nil
	}
	return c.post(ctx, "/orders/cancel", cancelRequest{Market: market, OrderIDs: orderIDs}, nil)
}

// CurrentBalance reports the available collateral for the asset.
func (c *HTTPClient) CurrentBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if strings.TrimSpace(asset) == "" {
		asset = c.asset
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/balance?asset="+url.QueryEscape(asset), nil)
	if err != nil {
		return decimal.Zero, errs.New("venue", errs.CodeInvalid, errs.WithMessage("build balance request"), errs.WithCause(err))
	}
	var resp balanceResponse
	if err := c.do(req, &resp); err != nil {
		return decimal.Zero, err
	}
	available, err := decimal.NewFromString(strings.TrimSpace(resp.Available))
	if err != nil {
		return decimal.Zero, errs.New("venue", errs.CodeInvalid, errs.WithMessage("unparsable balance"), errs.WithCause(err))
	}
	return available, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New("venue", errs.CodeInvalid, errs.WithMessage("encode request"), errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errs.New("venue", errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		code := errs.CodeNetwork
		if req.Context().Err() != nil {
			code = errs.CodeTimeout
		}
		return errs.New("venue", code, errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New("venue", errs.CodeNetwork, errs.WithMessage("read response"), errs.WithCause(err))
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New("venue", errs.CodeInvalid, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

// statusError maps HTTP failures onto the error taxonomy so the retry layer
// can classify them. Client errors are final; throttling and server errors
// are worth retrying.
func statusError(status int, raw []byte) error {
	var remote errorResponse
	_ = json.Unmarshal(raw, &remote)

	opts := []errs.Option{errs.WithMessage(fmt.Sprintf("venue returned %d", status))}
	if remote.Code != "" {
		opts = append(opts, errs.WithRawCode(remote.Code))
	}
	if remote.Message != "" {
		opts = append(opts, errs.WithRawMessage(remote.Message))
	}

	code := errs.CodeRejected
	switch {
	case status == http.StatusTooManyRequests:
		code = errs.CodeBusy
	case status == http.StatusRequestTimeout:
		code = errs.CodeTimeout
	case status >= 500:
		code = errs.CodeUnavailable
	case status == http.StatusUnprocessableEntity:
		code = errs.CodeInsufficientBalance
	}
	return errs.New("venue", code, opts...)
}
