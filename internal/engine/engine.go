// Package engine wires the feed, trackers, risk checks and retry machinery
// into the mirroring pipeline: observed source orders become sized, vetted
// mirror orders, and observed fills and cancels keep local state honest.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/kurumirror/config"
	"github.com/coachpo/kurumirror/internal/feed"
	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/retry"
	"github.com/coachpo/kurumirror/internal/risk"
	"github.com/coachpo/kurumirror/internal/schema"
	"github.com/coachpo/kurumirror/internal/tracker"
	"github.com/coachpo/kurumirror/internal/venue"
)

// canceledSourceLimit bounds the remembered set of canceled source orders.
const canceledSourceLimit = 4096

// Recorder journals state changes to durable storage. All methods are
// best-effort from the engine's perspective; persistence failures are
// logged, never fatal.
type Recorder interface {
	RecordOrder(ctx context.Context, order schema.Order) error
	RecordPosition(ctx context.Context, pos tracker.Position) error
	RecordDeadLetter(ctx context.Context, letter retry.DeadLetter) error
}

// Stats counts the engine's processing outcomes since start.
type Stats struct {
	EventsProcessed int64
	EventsDropped   int64
	EventsInvalid   int64
	Submissions     int64
	RiskRejections  int64
	FillsApplied    int64
	CancelsApplied  int64
}

type statCounters struct {
	processed   atomic.Int64
	dropped     atomic.Int64
	invalid     atomic.Int64
	submissions atomic.Int64
	rejections  atomic.Int64
	fills       atomic.Int64
	cancels     atomic.Int64
}

// Snapshot is a point-in-time view of the engine for operators and tests.
type Snapshot struct {
	Positions      map[string]tracker.Position
	OpenOrders     []schema.Order
	BreakerState   retry.BreakerState
	PendingRetries int
	DeadLetters    int
	Stats          Stats
}

// Engine consumes normalized feed events and drives mirror execution.
// Events for the same market are processed in arrival order; markets do
// not block each other.
type Engine struct {
	cfg        config.Settings
	normalizer *feed.Normalizer
	sizer      *risk.Sizer
	validator  *risk.Validator
	orders     *tracker.OrderTracker
	positions  *tracker.PositionTracker
	coord      *retry.Coordinator
	exec       venue.ExecutionClient
	balances   venue.BalanceSource

	ctx atomic.Pointer[context.Context]

	laneMu  sync.Mutex
	lanes   map[string]chan *schema.Event
	stopped bool
	workers conc.WaitGroup

	cancelMu        sync.Mutex
	canceledSources map[int64]struct{}
	canceledOrder   []int64

	recorder Recorder

	stats statCounters
	clock func() time.Time
}

// New assembles an engine from its collaborators. Call Start before Handle.
func New(cfg config.Settings, exec venue.ExecutionClient, balances venue.BalanceSource) *Engine {
	e := &Engine{
		cfg:             cfg,
		normalizer:      feed.NewNormalizer(cfg.Feed.Markets, cfg.Feed.SourceWallets),
		sizer:           risk.NewSizer(cfg.Sizing, cfg.Risk),
		validator:       risk.NewValidator(cfg.Risk),
		orders:          tracker.NewOrderTracker(24 * time.Hour),
		positions:       tracker.NewPositionTracker(),
		exec:            exec,
		balances:        balances,
		lanes:           make(map[string]chan *schema.Event),
		canceledSources: make(map[int64]struct{}),
		clock:           time.Now,
	}
	e.coord = retry.NewCoordinator(cfg.Retry, e.placeOrder, e.stillWanted)
	return e
}

// WithRecorder attaches durable journaling for orders, positions and dead
// letters. Must be called before Start.
func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	e.coord.OnDeadLetter(func(letter retry.DeadLetter) {
		if err := r.RecordDeadLetter(e.runCtx(), letter); err != nil {
			observability.Log().Error("dead letter journaling failed",
				observability.F("client_order_id", letter.Action.ClientOrderID),
				observability.F("cause", err.Error()),
			)
		}
	})
	return e
}

// WithClock overrides the engine's time source for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.orders.WithClock(clock)
	e.coord.WithClock(clock)
	return e
}

// Orders exposes the order tracker.
func (e *Engine) Orders() *tracker.OrderTracker { return e.orders }

// Positions exposes the position tracker.
func (e *Engine) Positions() *tracker.PositionTracker { return e.positions }

// Coordinator exposes the retry coordinator.
func (e *Engine) Coordinator() *retry.Coordinator { return e.coord }

// Start launches the retry loop and the terminal-order sweeper, and records
// the context under which feed events are processed.
func (e *Engine) Start(ctx context.Context) {
	e.ctx.Store(&ctx)
	e.coord.Start(ctx)
	go e.sweepLoop(ctx)
}

// sweepLoop periodically evicts aged terminal orders so the tracker does not
// grow without bound on long-running processes.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := e.orders.Sweep(); removed > 0 {
				observability.Log().Debug("swept terminal orders", observability.F("removed", removed))
			}
		}
	}
}

// Handle ingests one raw feed frame. Malformed or out-of-scope frames are
// counted and dropped; they never stop the engine. Frames arriving after
// Shutdown are dropped the same way.
func (e *Engine) Handle(raw []byte) error {
	event, err := e.normalizer.Normalize(raw, e.clock())
	if err != nil {
		if errors.Is(err, feed.ErrMarketNotSubscribed) {
			e.stats.dropped.Add(1)
			observability.Telemetry().IncCounter(observability.MetricEventsDropped, 1, nil)
			return nil
		}
		e.stats.invalid.Add(1)
		observability.Telemetry().IncCounter(observability.MetricEventsInvalid, 1, nil)
		observability.Log().Warn("discarding malformed feed frame", observability.F("cause", err.Error()))
		return nil
	}

	observability.Telemetry().IncCounter(observability.MetricEventsNormalized, 1, map[string]string{"market": event.Market})
	e.dispatch(event)
	return nil
}

// dispatch enqueues the event on its market lane. The send happens under
// laneMu so a concurrent Shutdown can never close the lane mid-send, and a
// stopped engine drops the frame instead of spawning a fresh lane.
func (e *Engine) dispatch(event *schema.Event) {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	if e.stopped {
		e.stats.dropped.Add(1)
		observability.Telemetry().IncCounter(observability.MetricEventsDropped, 1, nil)
		observability.Log().Debug("dropping frame received after shutdown",
			observability.F("market", event.Market))
		return
	}
	e.laneFor(event.Market) <- event
}

// Shutdown drains the per-market workers, flushes pending retries and stops
// the retry loop. The engine accepts no events afterwards.
func (e *Engine) Shutdown(ctx context.Context) {
	e.laneMu.Lock()
	e.stopped = true
	for _, lane := range e.lanes {
		close(lane)
	}
	e.lanes = make(map[string]chan *schema.Event)
	e.laneMu.Unlock()
	e.workers.Wait()

	e.coord.Flush(ctx)
	e.coord.Close()
}

// State returns a point-in-time snapshot of positions, open orders and the
// execution machinery.
func (e *Engine) State() Snapshot {
	return Snapshot{
		Positions:      e.positions.Snapshot(),
		OpenOrders:     e.orders.OpenOrders(),
		BreakerState:   e.coord.Breaker().State(),
		PendingRetries: e.coord.PendingLen(),
		DeadLetters:    e.coord.DeadLetters().Len(),
		Stats: Stats{
			EventsProcessed: e.stats.processed.Load(),
			EventsDropped:   e.stats.dropped.Load(),
			EventsInvalid:   e.stats.invalid.Load(),
			Submissions:     e.stats.submissions.Load(),
			RiskRejections:  e.stats.rejections.Load(),
			FillsApplied:    e.stats.fills.Load(),
			CancelsApplied:  e.stats.cancels.Load(),
		},
	}
}

// laneFor returns the market's lane, creating it and its worker on first
// use. Caller holds laneMu.
func (e *Engine) laneFor(market string) chan *schema.Event {
	lane, ok := e.lanes[market]
	if ok {
		return lane
	}
	lane = make(chan *schema.Event, 256)
	e.lanes[market] = lane
	e.workers.Go(func() {
		for event := range lane {
			e.process(event)
		}
	})
	return lane
}

func (e *Engine) process(event *schema.Event) {
	defer e.stats.processed.Add(1)

	switch event.Type {
	case schema.EventTypeOrderOpened:
		e.processOrderOpened(event)
	case schema.EventTypeFilled:
		e.processFilled(event)
	case schema.EventTypeOrdersClosed:
		e.processOrdersClosed(event)
	}
}

func (e *Engine) processOrderOpened(event *schema.Event) {
	p := event.OrderOpened
	ctx := e.runCtx()

	balance, err := e.balances.CurrentBalance(ctx, e.cfg.Risk.CollateralAsset)
	if err != nil {
		observability.Log().Error("balance lookup failed, skipping mirror",
			observability.F("market", event.Market),
			observability.F("source_order_id", p.OrderID),
			observability.F("cause", err.Error()),
		)
		return
	}

	size := e.sizer.Size(p.Size, p.Price, balance)
	if size.IsZero() {
		observability.Log().Debug("source order sized to zero",
			observability.F("market", event.Market),
			observability.F("source_order_id", p.OrderID),
			observability.F("source_size", p.Size.String()),
		)
		return
	}

	action := schema.Action{
		ClientOrderID: uuid.NewString(),
		Market:        event.Market,
		Side:          p.Side,
		Price:         p.Price,
		Size:          size,
		SourceOrderID: p.OrderID,
		CreatedAt:     e.clock(),
	}

	snap := risk.Snapshot{
		Balance:          balance,
		TotalExposure:    e.positions.TotalExposure(),
		MarketExposure:   e.positions.MarketExposure(event.Market),
		MarketSignedSize: e.signedSize(event.Market),
	}
	if err := e.validator.Validate(action, snap); err != nil {
		e.stats.rejections.Add(1)
		observability.Telemetry().IncCounter(observability.MetricRiskRejections, 1, map[string]string{"market": event.Market})
		observability.Log().Info("action rejected by risk checks",
			observability.F("market", event.Market),
			observability.F("source_order_id", p.OrderID),
			observability.F("reason", risk.Reason(err)),
		)
		return
	}

	e.stats.submissions.Add(1)
	observability.Telemetry().IncCounter(observability.MetricSubmissions, 1, map[string]string{"market": event.Market})
	if err := e.coord.Submit(ctx, action); err != nil {
		observability.Log().Warn("submission failed terminally",
			observability.F("market", event.Market),
			observability.F("client_order_id", action.ClientOrderID),
			observability.F("cause", err.Error()),
		)
	}
}

// placeOrder is the coordinator's dispatch target. Registration happens
// only after the venue accepts the order, so failed submissions leave no
// tracked state behind.
func (e *Engine) placeOrder(ctx context.Context, action schema.Action) error {
	orderID, err := e.exec.SubmitOrder(ctx, action.Market, action.Side, action.Price, action.Size, action.ClientOrderID)
	if err != nil {
		return err
	}

	order := schema.Order{
		OrderID:       orderID,
		ClientOrderID: action.ClientOrderID,
		Market:        action.Market,
		Side:          action.Side,
		Price:         action.Price,
		Size:          action.Size,
		SourceOrderID: action.SourceOrderID,
		CreatedAt:     action.CreatedAt,
	}
	if err := e.orders.Register(order); err != nil {
		observability.Log().Error("venue accepted an order the tracker refused",
			observability.F("order_id", orderID),
			observability.F("client_order_id", action.ClientOrderID),
			observability.F("cause", err.Error()),
		)
		return nil
	}
	e.orders.Acknowledge(orderID)
	e.journalOrder(orderID)
	e.reportExposure()
	return nil
}

func (e *Engine) processFilled(event *schema.Event) {
	p := event.Filled
	e.positions.MarkPrice(event.Market, p.Price)

	fill := schema.Fill{
		OrderID:    p.OrderID,
		FilledSize: p.FilledSize,
		Price:      p.Price,
		Sequence:   event.Sequence,
		ObservedAt: event.IngestTS,
	}
	outcome, applied := e.orders.ApplyFill(fill)
	switch outcome {
	case tracker.FillApplied:
		order, _ := e.orders.Get(p.OrderID)
		delta := e.positions.ApplyFill(event.Market, order.Side, applied, p.Price)
		e.stats.fills.Add(1)
		observability.Telemetry().IncCounter(observability.MetricFillsApplied, 1, map[string]string{"market": event.Market})
		e.journalOrder(p.OrderID)
		e.journalPosition(event.Market)
		if !delta.RealizedPnL.IsZero() {
			observability.Log().Info("realized pnl",
				observability.F("market", event.Market),
				observability.F("closed_size", delta.ClosedSize.String()),
				observability.F("realized_pnl", delta.RealizedPnL.String()),
			)
		}
		e.reportExposure()
	case tracker.FillDuplicate:
		observability.Telemetry().IncCounter(observability.MetricFillsDuplicate, 1, map[string]string{"market": event.Market})
	case tracker.FillUnknown:
		// Fills on the source's own orders land here; nothing to do.
		observability.Telemetry().IncCounter(observability.MetricFillsUnknown, 1, map[string]string{"market": event.Market})
	case tracker.FillIgnored:
		observability.Log().Warn("fill on terminal order ignored",
			observability.F("market", event.Market),
			observability.F("order_id", p.OrderID),
			observability.F("sequence", event.Sequence),
		)
	}
}

func (e *Engine) processOrdersClosed(event *schema.Event) {
	p := event.OrdersClosed
	ctx := e.runCtx()

	mirrorIDs := make([]int64, 0, len(p.OrderIDs))
	for _, id := range p.OrderIDs {
		// A closed order is either ours, a source order we mirrored, or a
		// source order still waiting in the retry queue.
		if _, ok := e.orders.Get(id); ok {
			e.orders.ApplyCancel(id)
			e.stats.cancels.Add(1)
			e.journalOrder(id)
			continue
		}
		if mirrorID, ok := e.orders.ResolveSource(id); ok {
			mirrorIDs = append(mirrorIDs, mirrorID)
		}
		e.rememberCanceledSource(id)
	}

	if len(mirrorIDs) == 0 {
		return
	}
	if err := e.exec.CancelOrders(ctx, event.Market, mirrorIDs); err != nil {
		observability.Log().Error("mirror cancel request failed",
			observability.F("market", event.Market),
			observability.F("order_ids", mirrorIDs),
			observability.F("cause", err.Error()),
		)
	}
	e.reportExposure()
}

// stillWanted keeps queued retries from resurrecting orders whose source
// was canceled while we were backing off.
func (e *Engine) stillWanted(action schema.Action) bool {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	_, canceled := e.canceledSources[action.SourceOrderID]
	return !canceled
}

func (e *Engine) rememberCanceledSource(sourceOrderID int64) {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if _, ok := e.canceledSources[sourceOrderID]; ok {
		return
	}
	if len(e.canceledOrder) >= canceledSourceLimit {
		oldest := e.canceledOrder[0]
		e.canceledOrder = e.canceledOrder[1:]
		delete(e.canceledSources, oldest)
	}
	e.canceledSources[sourceOrderID] = struct{}{}
	e.canceledOrder = append(e.canceledOrder, sourceOrderID)
}

func (e *Engine) journalOrder(orderID int64) {
	if e.recorder == nil {
		return
	}
	order, ok := e.orders.Get(orderID)
	if !ok {
		return
	}
	if err := e.recorder.RecordOrder(e.runCtx(), order); err != nil {
		observability.Log().Error("order journaling failed",
			observability.F("order_id", orderID),
			observability.F("cause", err.Error()),
		)
	}
}

func (e *Engine) journalPosition(market string) {
	if e.recorder == nil {
		return
	}
	pos, ok := e.positions.Get(market)
	if !ok {
		return
	}
	if err := e.recorder.RecordPosition(e.runCtx(), pos); err != nil {
		observability.Log().Error("position journaling failed",
			observability.F("market", market),
			observability.F("cause", err.Error()),
		)
	}
}

func (e *Engine) signedSize(market string) decimal.Decimal {
	pos, ok := e.positions.Get(market)
	if !ok {
		return decimal.Zero
	}
	return pos.SignedSize
}

func (e *Engine) reportExposure() {
	total, _ := e.positions.TotalExposure().Float64()
	observability.Telemetry().SetGauge(observability.MetricExposureNotional, total, nil)
	observability.Telemetry().SetGauge(observability.MetricOpenOrders, float64(len(e.orders.OpenOrders())), nil)
}

func (e *Engine) runCtx() context.Context {
	if ctx := e.ctx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}
