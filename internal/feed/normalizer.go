// Package feed turns raw feed payloads into canonical domain events and
// manages the websocket transport they arrive on.
package feed

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/schema"
)

// ErrMarketNotSubscribed marks events outside the configured market set.
// The feed topic space may be wider than our interest set, so these are
// dropped quietly rather than treated as failures.
var ErrMarketNotSubscribed = errs.New("feed/normalizer", errs.CodeNotFound, errs.WithMessage("market not subscribed"))

// Normalizer validates raw feed frames and emits canonical events.
// Missing required fields fail loudly; nothing is silently defaulted.
type Normalizer struct {
	markets map[string]struct{}
	sources map[string]struct{}
}

// NewNormalizer builds a normalizer restricted to the given markets. Source
// wallets, when provided, filter OrderOpened events to the mirrored makers;
// an empty set admits every owner.
func NewNormalizer(markets, sourceWallets []string) *Normalizer {
	n := &Normalizer{
		markets: make(map[string]struct{}, len(markets)),
		sources: make(map[string]struct{}, len(sourceWallets)),
	}
	for _, m := range markets {
		if trimmed := strings.TrimSpace(m); trimmed != "" {
			n.markets[trimmed] = struct{}{}
		}
	}
	for _, w := range sourceWallets {
		if trimmed := strings.ToLower(strings.TrimSpace(w)); trimmed != "" {
			n.sources[trimmed] = struct{}{}
		}
	}
	return n
}

type wireEnvelope struct {
	Event    string          `json:"event"`
	Market   string          `json:"market"`
	Sequence *uint64         `json:"seq"`
	Data     json.RawMessage `json:"data"`
}

type wireOrderCreated struct {
	OrderID       *int64  `json:"orderid"`
	Owner         string  `json:"owneraddress"`
	IsBuy         *bool   `json:"isbuy"`
	Price         string  `json:"price"`
	Size          string  `json:"size"`
	ClientOrderID *string `json:"cloid"`
}

type wireTrade struct {
	OrderID    *int64 `json:"orderid"`
	Maker      string `json:"makeraddress"`
	Price      string `json:"price"`
	FilledSize string `json:"filledsize"`
}

type wireOrdersCanceled struct {
	OrderIDs []int64 `json:"orderids"`
	Maker    string  `json:"makeraddress"`
}

// Normalize converts one raw frame into a canonical event.
// It returns ErrMarketNotSubscribed for frames outside the interest set and
// a CodeInvalid envelope for malformed payloads.
func (n *Normalizer) Normalize(raw []byte, ingestTS time.Time) (*schema.Event, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, invalid("undecodable frame", err)
	}

	market := strings.TrimSpace(envelope.Market)
	if market == "" {
		return nil, invalid("missing market", nil)
	}
	if _, ok := n.markets[market]; !ok {
		return nil, ErrMarketNotSubscribed
	}
	if envelope.Sequence == nil {
		return nil, invalid("missing sequence marker", nil)
	}
	if len(envelope.Data) == 0 {
		return nil, invalid("missing event data", nil)
	}

	evt := &schema.Event{
		Market:   market,
		Sequence: *envelope.Sequence,
		IngestTS: ingestTS,
	}

	switch envelope.Event {
	case "OrderCreated":
		payload, err := n.normalizeOrderCreated(envelope.Data)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			// Owner is not a mirrored source; not our order to copy.
			observability.Log().Debug("order from unmirrored owner dropped",
				observability.F("market", market),
				observability.F("seq", *envelope.Sequence))
			return nil, ErrMarketNotSubscribed
		}
		evt.Type = schema.EventTypeOrderOpened
		evt.OrderOpened = payload
	case "Trade":
		payload, err := normalizeTrade(envelope.Data)
		if err != nil {
			return nil, err
		}
		evt.Type = schema.EventTypeFilled
		evt.Filled = payload
	case "OrdersCanceled":
		payload, err := normalizeOrdersCanceled(envelope.Data)
		if err != nil {
			return nil, err
		}
		evt.Type = schema.EventTypeOrdersClosed
		evt.OrdersClosed = payload
	case "":
		return nil, invalid("missing event kind", nil)
	default:
		return nil, invalid(fmt.Sprintf("unsupported event kind %q", envelope.Event), nil)
	}

	return evt, nil
}

func (n *Normalizer) normalizeOrderCreated(data json.RawMessage) (*schema.OrderOpenedPayload, error) {
	var wire wireOrderCreated
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, invalid("undecodable OrderCreated data", err)
	}
	if wire.OrderID == nil {
		return nil, invalid("OrderCreated missing orderid", nil)
	}
	owner := strings.ToLower(strings.TrimSpace(wire.Owner))
	if owner == "" {
		return nil, invalid("OrderCreated missing owneraddress", nil)
	}
	if wire.IsBuy == nil {
		return nil, invalid("OrderCreated missing isbuy", nil)
	}
	price, err := requirePositiveDecimal(wire.Price, "price")
	if err != nil {
		return nil, err
	}
	size, err := requirePositiveDecimal(wire.Size, "size")
	if err != nil {
		return nil, err
	}

	if len(n.sources) > 0 {
		if _, ok := n.sources[owner]; !ok {
			return nil, nil
		}
	}

	side := schema.TradeSideSell
	if *wire.IsBuy {
		side = schema.TradeSideBuy
	}
	payload := &schema.OrderOpenedPayload{
		OrderID: *wire.OrderID,
		Owner:   owner,
		Side:    side,
		Price:   price,
		Size:    size,
	}
	if wire.ClientOrderID != nil {
		payload.ClientOrderID = strings.TrimSpace(*wire.ClientOrderID)
	}
	return payload, nil
}

func normalizeTrade(data json.RawMessage) (*schema.FilledPayload, error) {
	var wire wireTrade
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, invalid("undecodable Trade data", err)
	}
	if wire.OrderID == nil {
		return nil, invalid("Trade missing orderid", nil)
	}
	filled, err := requirePositiveDecimal(wire.FilledSize, "filledsize")
	if err != nil {
		return nil, err
	}
	price, err := requirePositiveDecimal(wire.Price, "price")
	if err != nil {
		return nil, err
	}
	return &schema.FilledPayload{
		OrderID:    *wire.OrderID,
		FilledSize: filled,
		Price:      price,
	}, nil
}

func normalizeOrdersCanceled(data json.RawMessage) (*schema.OrdersClosedPayload, error) {
	var wire wireOrdersCanceled
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, invalid("undecodable OrdersCanceled data", err)
	}
	if len(wire.OrderIDs) == 0 {
		return nil, invalid("OrdersCanceled missing orderids", nil)
	}
	maker := strings.ToLower(strings.TrimSpace(wire.Maker))
	if maker == "" {
		return nil, invalid("OrdersCanceled missing makeraddress", nil)
	}
	return &schema.OrdersClosedPayload{
		OrderIDs: wire.OrderIDs,
		Maker:    maker,
	}, nil
}

func requirePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, invalid("missing "+field, nil)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, invalid("unparsable "+field, err)
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, invalid(field+" must be positive", nil)
	}
	return value, nil
}

func invalid(msg string, cause error) error {
	opts := []errs.Option{errs.WithMessage(msg)}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("feed/normalizer", errs.CodeInvalid, opts...)
}
