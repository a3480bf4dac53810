package venue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/schema"
)

func TestSubmitOrder(t *testing.T) {
	var got submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"orderid":7001}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, "USDC")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	orderID, err := client.SubmitOrder(context.Background(), "MON-USDC", schema.TradeSideBuy,
		decimal.RequireFromString("100"), decimal.RequireFromString("5"), "cloid-1")
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if orderID != 7001 {
		t.Fatalf("order id = %d, want 7001", orderID)
	}
	if got.Market != "MON-USDC" || !got.IsBuy || got.Price != "100" || got.Size != "5" || got.ClientOrderID != "cloid-1" {
		t.Fatalf("request = %+v", got)
	}
}

func TestSubmitOrderErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  errs.Code
		retriable bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, wantCode: errs.CodeBusy, retriable: true},
		{name: "server error", status: http.StatusInternalServerError, wantCode: errs.CodeUnavailable, retriable: true},
		{name: "bad request", status: http.StatusBadRequest, wantCode: errs.CodeRejected, retriable: false},
		{name: "insufficient funds", status: http.StatusUnprocessableEntity, wantCode: errs.CodeInsufficientBalance, retriable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"E1","message":"nope"}`))
			}))
			defer server.Close()

			client, err := NewHTTPClient(server.URL, "USDC")
			if err != nil {
				t.Fatalf("NewHTTPClient: %v", err)
			}
			_, err = client.SubmitOrder(context.Background(), "MON-USDC", schema.TradeSideSell,
				decimal.RequireFromString("100"), decimal.RequireFromString("5"), "cloid-1")
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			if code := errs.CodeOf(err); code != tc.wantCode {
				t.Fatalf("code = %s, want %s", code, tc.wantCode)
			}
			if errs.Retriable(err) != tc.retriable {
				t.Fatalf("retriable = %v, want %v", errs.Retriable(err), tc.retriable)
			}
		})
	}
}

func TestCancelOrders(t *testing.T) {
	var got cancelRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/cancel" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, "USDC")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if err := client.CancelOrders(context.Background(), "MON-USDC", []int64{1, 2, 3}); err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if got.Market != "MON-USDC" || len(got.OrderIDs) != 3 {
		t.Fatalf("request = %+v", got)
	}
}

func TestCancelOrdersEmptyIsNoop(t *testing.T) {
	client, err := NewHTTPClient("http://127.0.0.1:1", "USDC")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if err := client.CancelOrders(context.Background(), "MON-USDC", nil); err != nil {
		t.Fatalf("empty cancel must not hit the network, got %v", err)
	}
}

func TestCurrentBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("asset") != "USDC" {
			t.Errorf("asset = %q, want USDC", r.URL.Query().Get("asset"))
		}
		_, _ = w.Write([]byte(`{"asset":"USDC","available":"1234.56"}`))
	}))
	defer server.Close()

	client, err := NewHTTPClient(server.URL, "USDC")
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	balance, err := client.CurrentBalance(context.Background(), "")
	if err != nil {
		t.Fatalf("CurrentBalance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("1234.56")) {
		t.Fatalf("balance = %s, want 1234.56", balance)
	}
}
