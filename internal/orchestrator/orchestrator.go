package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/config"
	"signaltrader/internal/domain"
	"signaltrader/internal/ledger"
	"signaltrader/internal/parser"
	"signaltrader/internal/risk"
)

var ErrClosed = errors.New("orchestrator closed")

type State string

const (
	StateIdle      State = "idle"
	StateDeciding  State = "deciding"
	StateExecuting State = "executing"
	StateSettling  State = "settling"
	StateHalted    State = "halted"
)

// QueuePolicy decides what happens to signals waiting behind a busy symbol.
type QueuePolicy string

const (
	// PolicyAppend processes every signal in arrival order.
	PolicyAppend QueuePolicy = "append"
	// PolicySupersede keeps only the newest pending signal; the ones it
	// replaces are recorded as superseded.
	PolicySupersede QueuePolicy = "supersede"
)

type SignalParser interface {
	Parse(ctx context.Context, raw domain.RawSignal) (parser.Parsed, error)
}

type Executor interface {
	Execute(ctx context.Context, plan domain.OrderPlan) domain.ExecutionOutcome
}

// Recorder receives one record per admitted signal. Calls may come from
// several lanes at once.
type Recorder interface {
	Record(ctx context.Context, rec domain.ReplayRecord)
}

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LimitsFunc returns the limits in force for the next decision.
type LimitsFunc func(ctx context.Context) risk.Limits

type Options struct {
	ParseWorkers      int
	Policy            QueuePolicy
	MaxResubmitRounds int
	DecisionTimeout   time.Duration
	ExecuteTimeout    time.Duration
	StaleRetries      int
	MaxViolations     int
	// Freshness is checked when set; replays leave it nil.
	Freshness *risk.Freshness
	Now       func() time.Time
}

func OptionsFromConfig(cfg config.OrchestratorConfig) Options {
	return Options{
		ParseWorkers:      cfg.ParseWorkers,
		Policy:            QueuePolicy(cfg.QueuePolicy),
		MaxResubmitRounds: cfg.MaxResubmitRounds,
		DecisionTimeout:   cfg.DecisionTimeout,
		ExecuteTimeout:    cfg.ExecuteTimeout,
		StaleRetries:      cfg.StaleRetries,
		MaxViolations:     cfg.MaxViolations,
	}
}

// Orchestrator drives signals through parse, size, execute and settle.
// Signals get an arrival sequence at admission, are parsed concurrently and
// are released to per-symbol lanes in arrival order. Each lane handles one
// signal at a time; lanes run in parallel, with openings decided in arrival
// order across lanes.
type Orchestrator struct {
	Parser   SignalParser
	Ledger   *ledger.Ledger
	Gateway  Executor
	Recorder Recorder
	Notifier Notifier
	Limits   LimitsFunc
	Logger   *zap.Logger

	opts     Options
	baseCtx  context.Context
	cancel   context.CancelFunc
	parseSem chan struct{}
	wg       sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	nextArrival uint64
	nextRelease uint64
	buffer      map[uint64]work
	lanes       map[string]*lane
	pending     int
	idle        chan struct{}

	// Cross-symbol decision order, see awaitTurn.
	retiredMark uint64
	retired     map[uint64]struct{}
	openings    map[uint64]struct{}
	turn        chan struct{}
}

type work struct {
	seq    uint64
	raw    domain.RawSignal
	parsed parser.Parsed
	err    error
}

func New(p SignalParser, l *ledger.Ledger, gw Executor, limits LimitsFunc, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.ParseWorkers <= 0 {
		opts.ParseWorkers = 4
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAppend
	}
	if opts.MaxResubmitRounds <= 0 {
		opts.MaxResubmitRounds = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Orchestrator{
		Parser:   p,
		Ledger:   l,
		Gateway:  gw,
		Limits:   limits,
		Logger:   logger,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		parseSem: make(chan struct{}, opts.ParseWorkers),
		buffer:   map[uint64]work{},
		lanes:    map[string]*lane{},
		idle:     idle,
		retired:  map[uint64]struct{}{},
		openings: map[uint64]struct{}{},
		turn:     make(chan struct{}),
	}
}

// admit must be called with mu held.
func (o *Orchestrator) admit() (uint64, error) {
	if o.closed {
		return 0, ErrClosed
	}
	seq := o.nextArrival
	o.nextArrival++
	if o.pending == 0 {
		o.idle = make(chan struct{})
	}
	o.pending++
	return seq, nil
}

// Submit admits a raw message. It returns once the message has its place in
// the arrival order; parsing and execution continue in the background.
func (o *Orchestrator) Submit(ctx context.Context, raw domain.RawSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	seq, err := o.admit()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		w := work{seq: seq, raw: raw}
		select {
		case o.parseSem <- struct{}{}:
			w.parsed, w.err = o.parse(raw)
			<-o.parseSem
		case <-o.baseCtx.Done():
			w.err = o.baseCtx.Err()
		}
		o.release(w)
	}()
	return nil
}

// SubmitParsed admits an already structured signal, such as a close an
// operator requested through the API.
func (o *Orchestrator) SubmitParsed(ctx context.Context, sig domain.TradeSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	seq, err := o.admit()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()
	o.release(work{
		seq:    seq,
		raw:    domain.RawSignal{Timestamp: sig.SourceTimestamp, ChannelID: sig.ChannelID},
		parsed: parser.Parsed{Signal: sig, Extractor: "manual"},
	})
	return nil
}

func (o *Orchestrator) parse(raw domain.RawSignal) (parser.Parsed, error) {
	ctx := o.baseCtx
	if o.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.DecisionTimeout)
		defer cancel()
	}
	return o.Parser.Parse(ctx, raw)
}

// release hands parsed work to the reorder buffer and dispatches every
// signal whose predecessors have all been dispatched.
func (o *Orchestrator) release(w work) {
	var out []domain.ReplayRecord
	o.mu.Lock()
	o.buffer[w.seq] = w
	for {
		next, ok := o.buffer[o.nextRelease]
		if !ok {
			break
		}
		delete(o.buffer, o.nextRelease)
		o.nextRelease++
		out = append(out, o.dispatch(next)...)
	}
	o.mu.Unlock()
	for _, rec := range out {
		o.emit(rec)
	}
}

// dispatch must be called with mu held. It returns records to emit once the
// lock is released.
func (o *Orchestrator) dispatch(w work) []domain.ReplayRecord {
	if w.err != nil {
		return []domain.ReplayRecord{o.rejection(w, domain.RecordRejected, w.err)}
	}
	sym := w.parsed.Signal.Symbol
	l, ok := o.lanes[sym]
	if !ok {
		l = &lane{symbol: sym, state: StateIdle}
		o.lanes[sym] = l
	}
	if l.halted {
		return []domain.ReplayRecord{o.rejection(w, domain.RecordHalted, domain.ErrSymbolHalted)}
	}
	var out []domain.ReplayRecord
	if o.opts.Policy == PolicySupersede {
		for _, old := range l.queue {
			out = append(out, o.rejection(old, domain.RecordSuperseded, domain.ErrSuperseded))
		}
		l.queue = l.queue[:0]
	}
	l.queue = append(l.queue, w)
	if w.parsed.Signal.Opening() {
		o.openings[w.seq] = struct{}{}
	}
	if !l.running {
		l.running = true
		o.wg.Add(1)
		go o.runLane(l)
	}
	return out
}

func (o *Orchestrator) rejection(w work, status domain.RecordStatus, err error) domain.ReplayRecord {
	rec := domain.ReplayRecord{
		Index:     w.seq,
		Raw:       w.raw,
		Status:    status,
		ErrorKind: domain.ErrorKind(err),
		Cause:     domain.Cause(err),
		Account:   o.Ledger.Snapshot(),
		At:        o.opts.Now(),
	}
	if w.err == nil {
		sig := w.parsed.Signal
		rec.Signal = &sig
	}
	return rec
}

// emit hands a record to the recorder and retires its signal.
func (o *Orchestrator) emit(rec domain.ReplayRecord) {
	if o.Recorder != nil {
		// Records outlive Close.
		o.Recorder.Record(context.WithoutCancel(o.baseCtx), rec)
	}
	if o.Logger != nil && rec.Status != domain.RecordAccepted {
		o.Logger.Info("signal not executed",
			zap.Uint64("index", rec.Index),
			zap.String("symbol", rec.Symbol()),
			zap.String("status", string(rec.Status)),
			zap.String("kind", rec.ErrorKind),
			zap.String("cause", rec.Cause),
		)
	}
	o.mu.Lock()
	o.retire(rec.Index)
	o.pending--
	if o.pending == 0 {
		close(o.idle)
	}
	o.mu.Unlock()
}

// retire must be called with mu held.
func (o *Orchestrator) retire(seq uint64) {
	delete(o.openings, seq)
	if seq >= o.retiredMark {
		o.retired[seq] = struct{}{}
	}
	for {
		if _, ok := o.retired[o.retiredMark]; !ok {
			break
		}
		delete(o.retired, o.retiredMark)
		o.retiredMark++
	}
	o.nextTurn()
}

// nextTurn wakes decisions waiting in awaitTurn. mu must be held.
func (o *Orchestrator) nextTurn() {
	close(o.turn)
	o.turn = make(chan struct{})
}

// awaitTurn orders decisions across symbols by arrival. An opening waits
// until every earlier signal has retired, because its size depends on the
// equity, margin and position slots they may change. A close depends only on
// its own symbol's position, so it waits just until no earlier opening is
// still undecided. Each decision thus sees what a one-at-a-time replay of
// the same signals would show it.
func (o *Orchestrator) awaitTurn(seq uint64, opening bool) error {
	for {
		o.mu.Lock()
		ready := o.turnReady(seq, opening)
		ch := o.turn
		o.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-o.baseCtx.Done():
			return o.baseCtx.Err()
		}
	}
}

func (o *Orchestrator) turnReady(seq uint64, opening bool) bool {
	if opening {
		return o.retiredMark >= seq
	}
	for s := range o.openings {
		if s < seq {
			return false
		}
	}
	return true
}

// decided releases the closes waiting behind an opening.
func (o *Orchestrator) decided(seq uint64) {
	o.mu.Lock()
	if _, ok := o.openings[seq]; ok {
		delete(o.openings, seq)
		o.nextTurn()
	}
	o.mu.Unlock()
}

// Drain blocks until every admitted signal has produced its record.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	ch := o.idle
	o.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops the signals waiting on symbol and stops further resubmission
// rounds of the one being executed. It returns how many were dropped.
func (o *Orchestrator) Cancel(symbol string) int {
	o.mu.Lock()
	l, ok := o.lanes[symbol]
	if !ok {
		o.mu.Unlock()
		return 0
	}
	dropped := l.queue
	l.queue = nil
	l.stopRounds = l.active
	var out []domain.ReplayRecord
	for _, w := range dropped {
		out = append(out, o.rejection(w, domain.RecordRejected, domain.ErrCancelled))
	}
	o.mu.Unlock()
	for _, rec := range out {
		o.emit(rec)
	}
	return len(dropped)
}

// Resume clears a halt. It reports whether the symbol was halted.
func (o *Orchestrator) Resume(symbol string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.lanes[symbol]
	if !ok || !l.halted {
		return false
	}
	l.halted = false
	l.haltReason = ""
	l.violations = 0
	l.state = StateIdle
	if o.Logger != nil {
		o.Logger.Info("symbol resumed", zap.String("symbol", symbol))
	}
	return true
}

type LaneStatus struct {
	Symbol     string `json:"symbol"`
	State      State  `json:"state"`
	Queued     int    `json:"queued"`
	HaltReason string `json:"halt_reason,omitempty"`
}

func (o *Orchestrator) States() []LaneStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]LaneStatus, 0, len(o.lanes))
	for _, l := range o.lanes {
		out = append(out, LaneStatus{Symbol: l.symbol, State: l.state, Queued: len(l.queue), HaltReason: l.haltReason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Close stops admission, cancels in-flight work and waits for workers.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) setState(l *lane, s State) {
	o.mu.Lock()
	if !l.halted {
		l.state = s
	}
	o.mu.Unlock()
}

func (o *Orchestrator) limits(ctx context.Context) risk.Limits {
	if o.Limits == nil {
		return risk.Limits{}
	}
	return o.Limits(ctx)
}
