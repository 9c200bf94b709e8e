// Package session runs the reconciler that owns the active chart series.
//
// Every input (stream ticks, backfill results, visible-range changes, and
// start/switch/stop commands) is a message handled by the single goroutine
// started with Run. Only that goroutine touches the candle store, the closed
// bucket set and the backfill state.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chartfeed/internal/chart/backfill"
	"chartfeed/internal/chart/candlestore"
	"chartfeed/internal/chart/live"
	"chartfeed/pkg/market"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned by operations that need an active session.
	ErrNotStarted = errors.New("no active session")
	// ErrClosed is returned once Run has exited.
	ErrClosed = errors.New("controller closed")
)

// Subscription is an open push-stream connection. Close must not return
// until no more callbacks can fire.
type Subscription interface {
	Close() error
}

// StreamSource opens push-stream subscriptions.
type StreamSource interface {
	Subscribe(ctx context.Context, req market.StreamRequest,
		onMessage func([]byte), onClose func(error)) (Subscription, error)
}

// WSStream adapts a market.WSClient to StreamSource.
type WSStream struct {
	Client *market.WSClient
}

func (w WSStream) Subscribe(ctx context.Context, req market.StreamRequest,
	onMessage func([]byte), onClose func(error)) (Subscription, error) {
	sub, err := w.Client.Subscribe(ctx, req, onMessage, onClose)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Options tunes a Controller. Zero fields take the DefaultOptions value.
type Options struct {
	ChunkSize         int
	MaxBackfillChunks int
	EdgeThreshold     int // buckets
	FocusWindow       int // candles
	RequestTimeout    time.Duration
	RequestRetries    int
	Now               func() time.Time
	// OnError receives recoverable errors on the reconciler goroutine. It
	// must not block or call back into the Controller.
	OnError func(error)
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:         100,
		MaxBackfillChunks: 20,
		EdgeThreshold:     10,
		FocusWindow:       20,
		RequestTimeout:    10 * time.Second,
		RequestRetries:    1,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxBackfillChunks <= 0 {
		o.MaxBackfillChunks = d.MaxBackfillChunks
	}
	if o.EdgeThreshold <= 0 {
		o.EdgeThreshold = d.EdgeThreshold
	}
	if o.FocusWindow <= 0 {
		o.FocusWindow = d.FocusWindow
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.RequestRetries < 0 {
		o.RequestRetries = 0
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Status is a point-in-time view of the controller.
type Status struct {
	State         State
	SessionID     uuid.UUID
	Symbol        string
	Interval      market.Interval
	SeriesLen     int
	ClosedBuckets []int64
	Backfill      backfill.State
	Backgrounded  bool
}

type session struct {
	id       uuid.UUID
	symbol   string
	interval market.Interval
	ctx      context.Context
	cancel   context.CancelFunc

	store  *candlestore.Store
	live   *live.Processor
	loader *backfill.Loader

	sub        Subscription
	connGen    int
	connCancel context.CancelFunc

	refreshPending bool
	logger         *zap.Logger
}

// Controller coordinates the stream subscription, backfill and resets of one chart.
type Controller struct {
	fetcher *backfill.Fetcher
	stream  StreamSource
	opts    Options
	logger  *zap.Logger
	hub     *updateHub

	msgs chan message
	done chan struct{}

	// owned by Run
	runCtx       context.Context
	state        State
	sess         *session
	backgrounded bool
}

func New(history backfill.HistorySource, stream StreamSource, opts Options, logger *zap.Logger) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		fetcher: backfill.NewFetcher(history, opts.RequestTimeout, opts.RequestRetries, logger),
		stream:  stream,
		opts:    opts,
		logger:  logger,
		hub:     newUpdateHub(logger),
		msgs:    make(chan message, 256),
		done:    make(chan struct{}),
	}
}

// Run processes messages until ctx is cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)
	defer c.hub.closeAll()
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.msgs:
			c.handle(m)
		}
	}
}

// Subscribe registers a consumer of series updates.
func (c *Controller) Subscribe() (int64, <-chan SeriesUpdate) {
	return c.hub.Subscribe()
}

func (c *Controller) Unsubscribe(id int64) {
	c.hub.Unsubscribe(id)
}

// Start opens a session for symbol and interval, replacing any active one.
func (c *Controller) Start(ctx context.Context, symbol string, interval market.Interval) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdStart{symbol: symbol, interval: interval, reply: reply}, reply)
}

// SwitchInterval hard-resets the session onto a new interval.
func (c *Controller) SwitchInterval(ctx context.Context, interval market.Interval) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdSwitch{interval: interval, reply: reply}, reply)
}

// SwitchSymbol hard-resets the session onto a new symbol.
func (c *Controller) SwitchSymbol(ctx context.Context, symbol string) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdSwitch{symbol: symbol, reply: reply}, reply)
}

// Stop closes the subscription and releases the series.
func (c *Controller) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdStop{reply: reply}, reply)
}

// Background marks the chart as not visible. The stream stays connected.
func (c *Controller) Background(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdBackground{reply: reply}, reply)
}

// Resume reconnects the stream and refreshes the newest history to close any
// gap left while in the background.
func (c *Controller) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, cmdResume{reply: reply}, reply)
}

// VisibleRangeChanged reports the consumer's visible time range in seconds.
func (c *Controller) VisibleRangeChanged(ctx context.Context, from, to int64) error {
	return c.send(ctx, msgVisibleRange{from: from, to: to})
}

// Series returns a snapshot of the active series.
func (c *Controller) Series(ctx context.Context) ([]candlestore.Candle, error) {
	reply := make(chan seriesReply, 1)
	if err := c.send(ctx, cmdSeries{reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.candles, r.err
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the active series as a Replace update, with every closed
// candle listed in ClosedKeys. Updates published after a Subscribe that
// precedes the call are never older than the snapshot.
func (c *Controller) Snapshot(ctx context.Context) (SeriesUpdate, error) {
	reply := make(chan snapshotReply, 1)
	if err := c.send(ctx, cmdSnapshot{reply: reply}); err != nil {
		return SeriesUpdate{}, err
	}
	select {
	case r := <-reply:
		return r.update, r.err
	case <-c.done:
		return SeriesUpdate{}, ErrClosed
	case <-ctx.Done():
		return SeriesUpdate{}, ctx.Err()
	}
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.send(ctx, cmdStatus{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return Status{}, ErrClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (c *Controller) send(ctx context.Context, m message) error {
	select {
	case c.msgs <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) call(ctx context.Context, m message, reply <-chan error) error {
	if err := c.send(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post is used by worker goroutines. It gives up once scope is cancelled so
// that a torn-down session never blocks its own teardown.
func (c *Controller) post(scope context.Context, m message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-scope.Done():
		return false
	case <-c.done:
		return false
	}
}

func (c *Controller) handle(m message) {
	switch m := m.(type) {
	case cmdStart:
		m.reply <- c.start(m.symbol, m.interval)
	case cmdSwitch:
		m.reply <- c.switchSession(m.symbol, m.interval)
	case cmdStop:
		s := c.sess
		c.teardown()
		c.state = StateIdle
		if s != nil {
			c.publish(s, SeriesUpdate{Kind: UpdateReplace})
			s.logger.Info("session stopped")
		}
		m.reply <- nil
	case cmdBackground:
		c.backgrounded = true
		c.logger.Info("chart backgrounded, keeping stream open")
		m.reply <- nil
	case cmdResume:
		m.reply <- c.resume()
	case cmdSeries:
		if c.sess == nil {
			m.reply <- seriesReply{err: ErrNotStarted}
			return
		}
		m.reply <- seriesReply{candles: c.sess.store.Snapshot()}
	case cmdSnapshot:
		if c.sess == nil {
			m.reply <- snapshotReply{err: ErrNotStarted}
			return
		}
		u := c.replaceUpdate(c.sess)
		u.SessionID = c.sess.id
		u.Symbol = c.sess.symbol
		u.Interval = c.sess.interval
		m.reply <- snapshotReply{update: u}
	case cmdStatus:
		m.reply <- c.status()
	case msgVisibleRange:
		c.onVisibleRange(m.from, m.to)
	case msgTick:
		c.onTick(m)
	case msgBackfill:
		c.onBackfill(m)
	case msgSubscribed:
		c.onSubscribed(m)
	case msgStreamClosed:
		c.onStreamClosed(m)
	}
}

// current returns the active session if id still names it.
func (c *Controller) current(id uuid.UUID) *session {
	if c.sess == nil || c.sess.id != id {
		return nil
	}
	return c.sess
}

func (c *Controller) start(symbol string, interval market.Interval) error {
	if symbol == "" {
		return errors.New("symbol is required")
	}
	if !interval.IsValid() {
		return fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}
	c.teardown()

	ctx, cancel := context.WithCancel(c.runCtx)
	id := uuid.New()
	logger := c.logger.With(
		zap.Stringer("session", id),
		zap.String("symbol", symbol),
		zap.Stringer("interval", interval))

	store := candlestore.New()
	s := &session{
		id:       id,
		symbol:   symbol,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		live:     live.NewProcessor(interval, store),
		loader:   backfill.NewLoader(symbol, interval, c.opts.ChunkSize, c.opts.MaxBackfillChunks, logger),
		logger:   logger,
	}
	c.sess = s
	c.state = StateConnecting
	logger.Info("session started")

	c.publish(s, SeriesUpdate{Kind: UpdateReplace})
	c.connect(s)
	c.requestBackfill(s, backfill.AnchorStart, c.opts.Now())
	return nil
}

// switchSession replaces the session, keeping whichever of symbol and
// interval is left empty.
func (c *Controller) switchSession(symbol string, interval market.Interval) error {
	if c.sess == nil {
		return ErrNotStarted
	}
	if symbol == "" {
		symbol = c.sess.symbol
	}
	if interval == "" {
		interval = c.sess.interval
	}
	if !interval.IsValid() {
		return fmt.Errorf("%w: %q", market.ErrInvalidInterval, interval)
	}

	c.state = StateSwitching
	c.sess.logger.Info("switching session",
		zap.String("to_symbol", symbol), zap.Stringer("to_interval", interval))
	return c.start(symbol, interval)
}

func (c *Controller) resume() error {
	s := c.sess
	if s == nil {
		return ErrNotStarted
	}
	c.backgrounded = false
	s.logger.Info("resuming: reconnecting stream and refreshing history")

	c.disconnect(s)
	c.state = StateConnecting
	c.connect(s)

	if !c.requestBackfill(s, backfill.AnchorStart, c.opts.Now()) {
		s.refreshPending = true
	}
	return nil
}

// teardown closes the active subscription and forgets the session. Pending
// worker results for it are discarded when they arrive.
func (c *Controller) teardown() {
	s := c.sess
	if s == nil {
		return
	}
	s.cancel()
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("failed to close subscription", zap.Error(err))
		}
		s.sub = nil
	}
	c.sess = nil
}

// disconnect drops the current connection. Bumping connGen makes any
// in-flight subscribe result for it stale.
func (c *Controller) disconnect(s *session) {
	s.connGen++
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("failed to close subscription", zap.Error(err))
		}
		s.sub = nil
	}
}

// connect dials the stream on a worker goroutine.
func (c *Controller) connect(s *session) {
	s.connGen++
	gen := s.connGen
	connCtx, cancel := context.WithCancel(s.ctx)
	s.connCancel = cancel

	req := market.StreamRequest{Symbol: s.symbol, Interval: s.interval, IncludeOHLCV: true}
	go func() {
		sub, err := c.stream.Subscribe(connCtx, req,
			func(msg []byte) { c.onStreamMessage(connCtx, s, msg) },
			func(err error) { c.post(connCtx, msgStreamClosed{session: s.id, gen: gen, err: err}) },
		)
		m := msgSubscribed{session: s.id, gen: gen, sub: sub, cancel: cancel, err: err}
		if !c.post(connCtx, m) && sub != nil {
			cancel()
			sub.Close()
		}
	}()
}

// onStreamMessage runs on the subscription's reader goroutine.
func (c *Controller) onStreamMessage(connCtx context.Context, s *session, msg []byte) {
	t, err := live.ParseTick(msg)
	if errors.Is(err, live.ErrNoOHLCV) {
		return
	}
	if err != nil {
		s.logger.Warn("dropping malformed tick", zap.Error(err))
		return
	}
	c.post(connCtx, msgTick{session: s.id, tick: t})
}

func (c *Controller) onSubscribed(m msgSubscribed) {
	s := c.current(m.session)
	if s == nil || m.gen != s.connGen {
		if m.sub != nil {
			m.cancel()
			m.sub.Close()
		}
		return
	}
	if m.err != nil {
		c.report(s, fmt.Errorf("subscribe %s %s: %w", s.symbol, s.interval, m.err))
		return
	}
	s.sub = m.sub
	c.state = StateStreaming
	s.logger.Info("stream subscription open")
}

func (c *Controller) onStreamClosed(m msgStreamClosed) {
	s := c.current(m.session)
	if s == nil || m.gen != s.connGen {
		return
	}
	c.disconnect(s)
	c.state = StateConnecting
	c.report(s, fmt.Errorf("stream %s %s closed: %w", s.symbol, s.interval, m.err))
}

func (c *Controller) onTick(m msgTick) {
	s := c.current(m.session)
	if s == nil {
		c.logger.Debug("discarding tick for stale session", zap.Stringer("session", m.session))
		return
	}

	res := s.live.Apply(m.tick)
	switch res.Outcome {
	case live.Dropped:
		s.logger.Debug("dropping tick for closed bucket", zap.Int64("open_time", m.tick.OpenTime))
	case live.First:
		c.publish(s, SeriesUpdate{Kind: UpdateAppend, Candles: []candlestore.Candle{res.Candle}, Closed: res.Closed})
	case live.Updated:
		c.publish(s, SeriesUpdate{Kind: UpdateTail, Candles: []candlestore.Candle{res.Candle}, Closed: res.Closed})
	case live.Appended:
		c.publish(s, SeriesUpdate{
			Kind:      UpdateAppend,
			Candles:   []candlestore.Candle{res.Candle},
			FocusTail: c.opts.FocusWindow,
			Closed:    res.Closed,
		})
	case live.Late:
		c.publish(s, c.replaceUpdate(s))
	}
}

// requestBackfill starts a history fetch for s. It returns false when the
// loader refuses the request.
func (c *Controller) requestBackfill(s *session, anchor backfill.Anchor, ref time.Time) bool {
	req, ok := s.loader.Begin(anchor, ref)
	if !ok {
		return false
	}
	s.logger.Debug("requesting history",
		zap.Stringer("anchor", anchor),
		zap.Time("start", req.Start),
		zap.Time("end", req.End))

	go func() {
		res := c.fetcher.Fetch(s.ctx, req)
		c.post(s.ctx, msgBackfill{session: s.id, result: res})
	}()
	return true
}

func (c *Controller) onBackfill(m msgBackfill) {
	s := c.current(m.session)
	if s == nil {
		c.logger.Debug("discarding backfill for stale session", zap.Stringer("session", m.session))
		return
	}

	merge, err := s.loader.Complete(s.store, m.result)
	switch {
	case errors.Is(err, backfill.ErrStaleResult):
		return
	case err != nil:
		c.report(s, err)
	case merge.Exhausted:
		s.logger.Info("history exhausted")
	case merge.Applied():
		s.logger.Debug("merged history chunk",
			zap.Stringer("position", merge.Position),
			zap.Int("candles", len(merge.Candles)),
			zap.Int("dropped", merge.Dropped),
			zap.Int("series", s.store.Len()))
		if merge.Disjoint {
			c.publish(s, SeriesUpdate{Kind: UpdatePrepend, Candles: merge.Candles})
		} else {
			c.publish(s, c.replaceUpdate(s))
		}
	}

	if s.refreshPending {
		s.refreshPending = false
		c.requestBackfill(s, backfill.AnchorStart, c.opts.Now())
	}
}

func (c *Controller) status() Status {
	st := Status{State: c.state, Backgrounded: c.backgrounded}
	if s := c.sess; s != nil {
		st.SessionID = s.id
		st.Symbol = s.symbol
		st.Interval = s.interval
		st.SeriesLen = s.store.Len()
		st.ClosedBuckets = s.live.ClosedBuckets()
		st.Backfill = s.loader.State()
	}
	return st
}

func (c *Controller) replaceUpdate(s *session) SeriesUpdate {
	return SeriesUpdate{
		Kind:       UpdateReplace,
		Candles:    s.store.Snapshot(),
		ClosedKeys: s.live.ClosedBuckets(),
	}
}

func (c *Controller) publish(s *session, u SeriesUpdate) {
	u.SessionID = s.id
	u.Symbol = s.symbol
	u.Interval = s.interval
	c.hub.Broadcast(u)
}

func (c *Controller) report(s *session, err error) {
	s.logger.Warn("recoverable chart error", zap.Error(err))
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
