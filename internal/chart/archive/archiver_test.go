package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chartfeed/internal/chart/candlestore"
	"chartfeed/internal/chart/session"
	"chartfeed/pkg/market"
	"chartfeed/pkg/storage/postgres"

	"go.uber.org/zap"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]*postgres.CandleRecord
	deletes []time.Time
	err     error
	deleted chan struct{}
}

func (w *fakeWriter) UpsertCandles(_ context.Context, records []*postgres.CandleRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, records)
	return nil
}

func (w *fakeWriter) DeleteOldCandles(_ context.Context, before time.Time) error {
	w.mu.Lock()
	w.deletes = append(w.deletes, before)
	w.mu.Unlock()
	if w.deleted != nil {
		w.deleted <- struct{}{}
	}
	return nil
}

func (w *fakeWriter) Batches() [][]*postgres.CandleRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]*postgres.CandleRecord(nil), w.batches...)
}

func update(kind session.UpdateKind, closed bool, openTimes ...int64) session.SeriesUpdate {
	u := session.SeriesUpdate{Symbol: "BTCUSD", Interval: market.Interval1Min, Kind: kind, Closed: closed}
	for _, ot := range openTimes {
		u.Candles = append(u.Candles, candlestore.Candle{OpenTime: ot, Open: 1, High: 2, Low: 0.5, Close: 1.5})
	}
	return u
}

// go test -v --run TestRecords
func TestRecords(t *testing.T) {
	recs := Records(update(session.UpdateAppend, true, 60))
	if len(recs) != 1 || !recs[0].Closed || recs[0].Interval != "1m" {
		t.Fatalf("append records = %+v", recs)
	}

	recs = Records(update(session.UpdateReplace, true, 60, 120, 180))
	if len(recs) != 3 {
		t.Fatalf("replace produced %d records", len(recs))
	}
	for _, r := range recs {
		if r.Closed {
			t.Errorf("snapshot row %s marked closed", r.OpenTime)
		}
	}

	if recs := Records(update(session.UpdateReplace, false)); len(recs) != 0 {
		t.Errorf("empty reset produced %d records", len(recs))
	}

	u := update(session.UpdateReplace, false, 60, 120, 180)
	u.ClosedKeys = []int64{60, 180}
	recs = Records(u)
	if !recs[0].Closed || recs[1].Closed || !recs[2].Closed {
		t.Errorf("closed flags = %v %v %v, want true false true", recs[0].Closed, recs[1].Closed, recs[2].Closed)
	}
}

// go test -v --run TestArchiverRun
func TestArchiverRun(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, time.Second, zap.NewNop())

	updates := make(chan session.SeriesUpdate, 4)
	updates <- update(session.UpdateReplace, false)
	updates <- update(session.UpdateReplace, false, 60, 120)
	updates <- update(session.UpdateTail, false, 120)
	updates <- update(session.UpdatePrepend, false, 0)
	close(updates)

	if err := a.Run(context.Background(), updates); !errors.Is(err, ErrUpdatesClosed) {
		t.Errorf("Run = %v, want ErrUpdatesClosed", err)
	}

	if got := len(w.Batches()); got != 3 {
		t.Fatalf("batches = %d, want 3", got)
	}
	if a.Written() != 4 || a.Failed() != 0 {
		t.Errorf("written = %d failed = %d", a.Written(), a.Failed())
	}
}

// go test -v --run TestArchiverWriteFailure
func TestArchiverWriteFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("db down")}
	a := New(w, time.Second, zap.NewNop())

	updates := make(chan session.SeriesUpdate, 2)
	updates <- update(session.UpdateAppend, false, 60)
	updates <- update(session.UpdateAppend, true, 120)
	close(updates)

	a.Run(context.Background(), updates)

	if a.Failed() != 2 || a.Written() != 0 {
		t.Errorf("written = %d failed = %d", a.Written(), a.Failed())
	}
}

// go test -v --run TestRetentionSweep
func TestRetentionSweep(t *testing.T) {
	w := &fakeWriter{deleted: make(chan struct{}, 1)}
	a := New(w, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	start := time.Now()
	go func() {
		a.RunRetention(ctx, 48*time.Hour)
		close(done)
	}()

	select {
	case <-w.deleted:
	case <-time.After(time.Second):
		t.Fatal("no sweep at startup")
	}
	cancel()
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.deletes) != 1 {
		t.Fatalf("sweeps = %d, want 1", len(w.deletes))
	}
	cutoff := w.deletes[0]
	if cutoff.After(start.Add(-47*time.Hour)) || cutoff.Before(start.Add(-49*time.Hour)) {
		t.Errorf("cutoff %s not ~48h before %s", cutoff, start)
	}
}

type fakeSource struct {
	mu        sync.Mutex
	chans     []chan session.SeriesUpdate
	snapshots []session.SeriesUpdate
	snapErr   error
	unsubbed  []int64
	subbed    chan struct{}
}

func (f *fakeSource) Subscribe() (int64, <-chan session.SeriesUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := f.chans[0]
	f.chans = f.chans[1:]
	id := int64(len(f.unsubbed) + 100)
	if f.subbed != nil {
		f.subbed <- struct{}{}
	}
	return id, ch
}

func (f *fakeSource) Unsubscribe(id int64) {
	f.mu.Lock()
	f.unsubbed = append(f.unsubbed, id)
	f.mu.Unlock()
}

func (f *fakeSource) Snapshot(context.Context) (session.SeriesUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return session.SeriesUpdate{}, f.snapErr
	}
	u := f.snapshots[0]
	f.snapshots = f.snapshots[1:]
	return u, nil
}

// go test -v --run TestFollowResyncsAfterDrop
func TestFollowResyncsAfterDrop(t *testing.T) {
	dropped := make(chan session.SeriesUpdate, 1)
	dropped <- update(session.UpdateAppend, true, 180)
	close(dropped)
	open := make(chan session.SeriesUpdate)

	first := update(session.UpdateReplace, false, 60, 120)
	resync := update(session.UpdateReplace, false, 60, 120, 180, 240)
	resync.ClosedKeys = []int64{180}

	src := &fakeSource{
		chans:     []chan session.SeriesUpdate{dropped, open},
		snapshots: []session.SeriesUpdate{first, resync},
		subbed:    make(chan struct{}, 2),
	}
	w := &fakeWriter{}
	a := New(w, time.Second, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Follow(ctx, src)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-src.subbed:
		case <-time.After(time.Second):
			t.Fatalf("subscription %d not opened", i+1)
		}
	}
	deadline := time.Now().Add(time.Second)
	for len(w.Batches()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("batches = %d, want 3", len(w.Batches()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	b := w.Batches()
	if len(b[0]) != 2 || len(b[1]) != 1 || len(b[2]) != 4 {
		t.Fatalf("batch sizes = %d %d %d", len(b[0]), len(b[1]), len(b[2]))
	}
	if !b[2][2].Closed || b[2][3].Closed {
		t.Errorf("resync closed flags = %v %v", b[2][2].Closed, b[2][3].Closed)
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.unsubbed) != 1 {
		t.Errorf("unsubscribed %v, want only the live subscription", src.unsubbed)
	}
}

// go test -v --run TestFollowStopsWithSource
func TestFollowStopsWithSource(t *testing.T) {
	src := &fakeSource{
		chans:   []chan session.SeriesUpdate{make(chan session.SeriesUpdate)},
		snapErr: session.ErrClosed,
	}
	a := New(&fakeWriter{}, time.Second, zap.NewNop())

	done := make(chan struct{})
	go func() {
		a.Follow(context.Background(), src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Follow kept running after the source closed")
	}
}

type emptyHistory struct{}

func (emptyHistory) QueryHistory(context.Context, market.HistoryQuery) (market.HistoryResponse, error) {
	return market.HistoryResponse{}, nil
}

type nopSub struct{}

func (nopSub) Close() error { return nil }

type captureStream struct {
	onMessage chan func([]byte)
}

func (s captureStream) Subscribe(_ context.Context, _ market.StreamRequest,
	onMessage func([]byte), _ func(error)) (session.Subscription, error) {
	s.onMessage <- onMessage
	return nopSub{}, nil
}

// stallingWriter blocks its first upsert until release is closed.
type stallingWriter struct {
	fakeWriter
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func (w *stallingWriter) UpsertCandles(ctx context.Context, records []*postgres.CandleRecord) error {
	w.once.Do(func() {
		close(w.stalled)
		<-w.release
	})
	return w.fakeWriter.UpsertCandles(ctx, records)
}

// go test -v --run TestFollowSurvivesStalledWriter
func TestFollowSurvivesStalledWriter(t *testing.T) {
	const ticks = 200

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := captureStream{onMessage: make(chan func([]byte), 4)}
	ctrl := session.New(emptyHistory{}, stream, session.Options{}, zap.NewNop())
	runDone := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(runDone)
	}()

	w := &stallingWriter{stalled: make(chan struct{}), release: make(chan struct{})}
	a := New(w, 0, zap.NewNop())
	followDone := make(chan struct{})
	go func() {
		a.Follow(ctx, ctrl)
		close(followDone)
	}()

	if err := ctrl.Start(ctx, "BTCUSD", market.Interval1Min); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var onMessage func([]byte)
	select {
	case onMessage = <-stream.onMessage:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not subscribed")
	}

	for i := int64(0); i < ticks; i++ {
		ms := (6001 + i) * 60_000
		onMessage([]byte(fmt.Sprintf(
			`{"price":1,"change":0,"timestamp":%d,"ohlcv":{"open_time":%d,"open":1,"high":2,"low":0.5,"close":1.5,"volume":1,"isClosed":true}}`,
			ms, ms)))
	}
	select {
	case <-w.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never called")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := ctrl.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.SeriesLen == ticks {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("series length = %d, want %d", st.SeriesLen, ticks)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(w.release)

	lastKey := (6001 + ticks - 1) * 60
	deadline = time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, b := range w.Batches() {
			if len(b) != ticks {
				continue
			}
			found = true
			for _, r := range b {
				if !r.Closed {
					t.Fatalf("resynced row %s not closed", r.OpenTime)
				}
			}
			if last := b[len(b)-1]; last.OpenTime.Unix() != int64(lastKey) {
				t.Fatalf("resync ends at %d, want %d", last.OpenTime.Unix(), lastKey)
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no resync batch after the writer recovered, batches = %d", len(w.Batches()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-followDone
	<-runDone
}
