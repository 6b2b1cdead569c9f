package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postbridge/internal/eventbus"
	"postbridge/internal/render"
	"postbridge/internal/sink"
	"postbridge/internal/source"
	"postbridge/internal/storage"
	logx "postbridge/pkg/logx"
)

type fetchResult struct {
	batch source.Batch
	err   error
	panic bool
}

type fakeSource struct {
	author      source.Author
	authorErrs  []error
	authorCalls int

	results     []fetchResult
	recentCalls int
	// onFetch runs before the n-th (1-based) FetchRecent returns.
	onFetch func(n int)
}

func (f *fakeSource) FetchAuthor(context.Context, string) (source.Author, error) {
	f.authorCalls++
	if len(f.authorErrs) > 0 {
		err := f.authorErrs[0]
		f.authorErrs = f.authorErrs[1:]
		if err != nil {
			return source.Author{}, err
		}
	}
	return f.author, nil
}

func (f *fakeSource) FetchRecent(_ context.Context, _ string, _ int) (source.Batch, error) {
	f.recentCalls++
	if f.onFetch != nil {
		f.onFetch(f.recentCalls)
	}
	if len(f.results) == 0 {
		return source.Batch{}, nil
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	if r.panic {
		panic("decoder exploded")
	}
	return r.batch, r.err
}

func (f *fakeSource) Budget() source.RateBudget { return source.RateBudget{} }

type fakeSink struct {
	payloads []render.Payload
	outcomes []sink.Result
	onSend   func(p render.Payload)
}

func (f *fakeSink) Name() string { return "fake" }

func (f *fakeSink) Deliver(_ context.Context, p render.Payload) sink.Result {
	f.payloads = append(f.payloads, p)
	if f.onSend != nil {
		f.onSend(p)
	}
	if len(f.outcomes) > 0 {
		r := f.outcomes[0]
		f.outcomes = f.outcomes[1:]
		return r
	}
	return sink.Result{Outcome: sink.Success, Status: 204}
}

func (f *fakeSink) itemIDs() []string {
	var ids []string
	for _, p := range f.payloads {
		if p.Kind == render.KindItem {
			ids = append(ids, p.ItemID)
		}
	}
	return ids
}

func (f *fakeSink) statusCount() int {
	n := 0
	for _, p := range f.payloads {
		if p.Kind == render.KindStatus {
			n++
		}
	}
	return n
}

// spyRenderer records which items reached the renderer.
type spyRenderer struct {
	*render.Renderer
	rendered []string
}

func (s *spyRenderer) Item(it source.Item, a source.Author, m source.MediaIndex, label string) (render.Payload, error) {
	s.rendered = append(s.rendered, it.ID)
	return s.Renderer.Item(it, a, m, label)
}

type fakeClock struct {
	slept time.Duration
	steps int
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) {
	c.slept += d
	c.steps++
}

type harness struct {
	src    *fakeSource
	sink   *fakeSink
	rend   *spyRenderer
	ledger storage.Ledger
	clock  *fakeClock
	eng    *Engine
}

func newHarness(t *testing.T, cfg Config, src *fakeSource, ledger storage.Ledger) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		sink:   &fakeSink{},
		rend:   &spyRenderer{Renderer: render.New(render.Config{Handle: "desk"})},
		ledger: ledger,
		clock:  &fakeClock{},
	}
	if cfg.Handle == "" {
		cfg.Handle = "desk"
	}
	eng, err := New(cfg, Deps{
		Source:   src,
		Ledger:   ledger,
		Renderer: h.rend,
		Sink:     h.sink,
		Log:      logx.Nop(),
		Sleep:    h.clock.sleep,
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.eng = eng
	return h
}

// stopOnFetch requests shutdown when FetchRecent is called for the n-th time.
func (h *harness) stopOnFetch(n int) {
	h.src.onFetch = func(call int) {
		if call >= n {
			h.eng.RequestShutdown()
		}
	}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.eng.State() != Stopped {
		t.Fatalf("state = %s, want stopped", h.eng.State())
	}
}

func items(ids ...string) []source.Item {
	out := make([]source.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Item{ID: id, Text: "post " + id})
	}
	return out
}

func batchOf(its ...source.Item) fetchResult {
	return fetchResult{batch: source.Batch{Items: its}}
}

var author = source.Author{ID: "42", DisplayName: "Desk", Handle: "desk"}

func TestDeliversOldestFirst(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{
		batchOf(items("A", "B", "C")...), // newest-first
		batchOf(),
	}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.stopOnFetch(2)
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "C,B,A" {
		t.Fatalf("delivery order = %s, want C,B,A", got)
	}
	for _, id := range []string{"A", "B", "C"} {
		if !h.ledger.IsDelivered(id) {
			t.Fatalf("%s not recorded", id)
		}
	}
}

func TestOrdersByCreationTime(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	its := []source.Item{
		{ID: "x", Text: "x", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "y", Text: "y", CreatedAt: base},
		{ID: "z", Text: "z", CreatedAt: base.Add(time.Minute)},
	}
	src := &fakeSource{author: author, results: []fetchResult{batchOf(its...), batchOf()}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.stopOnFetch(2)
	h.run(t)
	if got := strings.Join(h.sink.itemIDs(), ","); got != "y,z,x" {
		t.Fatalf("delivery order = %s", got)
	}
}

func TestStartupSuppressionSilent(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{
		batchOf(items("5", "4", "3", "2", "1")...),
		batchOf(items("5", "4", "3", "2", "1")...),
	}}
	h := newHarness(t, Config{NotifyShutdown: false}, src, storage.NewMemory())
	h.stopOnFetch(2)
	h.run(t)

	if h.ledger.Len() != 5 {
		t.Fatalf("ledger size = %d, want 5", h.ledger.Len())
	}
	if len(h.sink.payloads) != 0 {
		t.Fatalf("sink called %d times, want 0", len(h.sink.payloads))
	}
	if !h.eng.Status().StartupComplete {
		t.Fatal("startup should be complete")
	}
}

func TestStartupAnnounceSendsNewest(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{
		batchOf(items("5", "4", "3", "2", "1")...),
		batchOf(items("5", "4", "3", "2", "1")...),
	}}
	h := newHarness(t, Config{StartupMode: StartupAnnounce, AnnounceCount: 3}, src, storage.NewMemory())
	h.stopOnFetch(2)
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "3,4,5" {
		t.Fatalf("announced = %s, want 3,4,5", got)
	}
	for _, p := range h.sink.payloads {
		if !strings.HasPrefix(p.Title, AnnounceLabel) {
			t.Fatalf("title %q lacks label", p.Title)
		}
	}
	if h.ledger.Len() != 5 {
		t.Fatalf("ledger size = %d", h.ledger.Len())
	}
}

func TestSuppressionSkippedWhenLedgerHasHistory(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{batchOf(items("2", "1")...), batchOf()}}
	h := newHarness(t, Config{}, src, storage.NewMemory("0"))
	h.stopOnFetch(2)
	h.run(t)
	if got := strings.Join(h.sink.itemIDs(), ","); got != "1,2" {
		t.Fatalf("delivered = %s", got)
	}
}

func TestRepliesNeverRendered(t *testing.T) {
	its := []source.Item{
		{ID: "3", Text: "original"},
		{ID: "2", Text: "@someone thanks"},
		{ID: "1", Text: "answer", InReplyToUserID: "77"},
	}
	src := &fakeSource{author: author, results: []fetchResult{batchOf(its...), batchOf()}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.stopOnFetch(2)
	h.run(t)

	if got := strings.Join(h.rend.rendered, ","); got != "3" {
		t.Fatalf("rendered = %s, want only 3", got)
	}
}

func TestShutdownMidTickFinishesCurrentItem(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{batchOf(items("c", "b", "a")...)}}
	h := newHarness(t, Config{NotifyShutdown: true}, src, storage.NewMemory("seen"))
	h.sink.onSend = func(p render.Payload) {
		if p.Kind == render.KindItem {
			h.eng.RequestShutdown()
		}
	}
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "a" {
		t.Fatalf("delivered = %s, want only a", got)
	}
	if !h.ledger.IsDelivered("a") || h.ledger.IsDelivered("b") {
		t.Fatal("in-flight item must be recorded, the next one must not")
	}
	if n := h.sink.statusCount(); n != 1 {
		t.Fatalf("shutdown notifications = %d, want 1", n)
	}
	h.eng.RequestShutdown()
	h.eng.drain(context.Background())
	if n := h.sink.statusCount(); n != 1 {
		t.Fatalf("shutdown notifications after repeat = %d, want 1", n)
	}
}

func TestContextCancelStopsRun(t *testing.T) {
	src := &fakeSource{author: author}
	h := newHarness(t, Config{NotifyShutdown: true}, src, storage.NewMemory("seen"))
	ctx, cancel := context.WithCancel(context.Background())
	src.onFetch = func(int) { cancel() }
	if err := h.eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.eng.State() != Stopped || h.sink.statusCount() != 1 {
		t.Fatalf("state=%s notifications=%d", h.eng.State(), h.sink.statusCount())
	}
}

func TestFatalOutcomeStillRecorded(t *testing.T) {
	b := batchOf(items("1")...)
	src := &fakeSource{author: author, results: []fetchResult{b, b}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.sink.outcomes = []sink.Result{{Outcome: sink.Fatal, Status: 400, Err: errors.New("bad embed")}}
	h.stopOnFetch(3)
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "1" {
		t.Fatalf("sink calls = %s, want exactly one", got)
	}
	if !h.ledger.IsDelivered("1") {
		t.Fatal("fatal item must be recorded")
	}
	if st := h.eng.Status(); st.Failed != 1 || st.Delivered != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestRetryableOutcomeLeavesItemsForNextTick(t *testing.T) {
	b := batchOf(items("2", "1")...)
	src := &fakeSource{author: author, results: []fetchResult{b, b, batchOf()}}
	h := newHarness(t, Config{RetryPause: 3 * time.Second}, src, storage.NewMemory("seen"))
	h.sink.outcomes = []sink.Result{{Outcome: sink.Retryable, Status: 429, RetryAfter: 10 * time.Second}}
	h.stopOnFetch(3)
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "1,1,2" {
		t.Fatalf("sink calls = %s, want 1,1,2", got)
	}
	if !h.ledger.IsDelivered("1") || !h.ledger.IsDelivered("2") {
		t.Fatal("items should be recorded after the retry tick")
	}
}

func TestIdempotentAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent_items.json")
	open := func() storage.Ledger {
		l, err := storage.Open(storage.Config{Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		return l
	}
	ledger := open()
	if err := ledger.MarkDelivered(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	b := batchOf(items("2", "1")...)

	first := newHarness(t, Config{}, &fakeSource{author: author, results: []fetchResult{b, batchOf()}}, ledger)
	first.stopOnFetch(2)
	first.run(t)
	_ = ledger.Close()

	ledger = open()
	defer ledger.Close()
	second := newHarness(t, Config{}, &fakeSource{author: author, results: []fetchResult{b, batchOf()}}, ledger)
	second.stopOnFetch(2)
	second.run(t)

	if len(first.sink.itemIDs()) != 2 || len(second.sink.itemIDs()) != 0 {
		t.Fatalf("first=%v second=%v", first.sink.itemIDs(), second.sink.itemIDs())
	}
}

func TestAuthFailureAtStartupIsFatal(t *testing.T) {
	src := &fakeSource{authorErrs: []error{&source.APIError{Op: "fetch_author", Status: 401}}}
	h := newHarness(t, Config{NotifyShutdown: true}, src, storage.NewMemory())
	err := h.eng.Run(context.Background())
	if !errors.Is(err, ErrStartup) {
		t.Fatalf("err = %v, want ErrStartup", err)
	}
	if h.eng.State() != Stopped || src.authorCalls != 1 || len(h.sink.payloads) != 0 {
		t.Fatalf("state=%s calls=%d payloads=%d", h.eng.State(), src.authorCalls, len(h.sink.payloads))
	}
}

func TestStartupRetriesBoundedAttempts(t *testing.T) {
	transient := &source.APIError{Op: "fetch_author", Status: 503}
	src := &fakeSource{authorErrs: []error{transient, transient, transient}}
	h := newHarness(t, Config{InitAttempts: 3, InitPause: 2 * time.Minute}, src, storage.NewMemory())
	if err := h.eng.Run(context.Background()); !errors.Is(err, ErrStartup) {
		t.Fatalf("err = %v", err)
	}
	if src.authorCalls != 3 {
		t.Fatalf("attempts = %d, want 3", src.authorCalls)
	}
	if h.clock.slept != 4*time.Minute {
		t.Fatalf("slept %s between attempts, want 4m", h.clock.slept)
	}
	if h.src.recentCalls != 0 {
		t.Fatal("polling must not start")
	}
}

func TestTickErrorCoolsDown(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{{err: errors.New("boom")}, batchOf()}}
	h := newHarness(t, Config{ErrorCooldown: 7 * time.Second, Schedule: everyHour{}}, src, storage.NewMemory("seen"))
	h.stopOnFetch(2)
	h.run(t)

	if h.clock.slept != 7*time.Second {
		t.Fatalf("slept %s, want the 7s cooldown", h.clock.slept)
	}
	if st := h.eng.Status(); st.TickFailures != 1 || st.Ticks != 2 || st.LastError == "" {
		t.Fatalf("status = %+v", st)
	}
}

func TestTickPanicIsRecovered(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{{panic: true}, batchOf(items("1")...), batchOf()}}
	h := newHarness(t, Config{ErrorCooldown: time.Second}, src, storage.NewMemory("seen"))
	h.stopOnFetch(3)
	h.run(t)
	if got := strings.Join(h.sink.itemIDs(), ","); got != "1" {
		t.Fatalf("engine did not resume after panic: %s", got)
	}
}

func TestNotFoundInvalidatesAuthor(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{
		{err: &source.APIError{Op: "fetch_recent", Status: 404}},
		batchOf(),
	}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.stopOnFetch(2)
	h.run(t)
	if src.authorCalls != 2 {
		t.Fatalf("author lookups = %d, want 2", src.authorCalls)
	}
}

func TestPublishesLifecycleEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	src := &fakeSource{author: author, results: []fetchResult{batchOf(items("1")...), batchOf()}}
	h := newHarness(t, Config{}, src, storage.NewMemory("seen"))
	h.eng.deps.Bus = bus
	h.stopOnFetch(2)
	h.run(t)

	seen := map[string]int{}
	for len(ch) > 0 {
		seen[(<-ch).Type]++
	}
	if seen[eventbus.TypeItemDelivered] != 1 || seen[eventbus.TypeTickDone] != 2 || seen[eventbus.TypeEngineState] != 5 {
		t.Fatalf("events = %v", seen)
	}
}

func TestPauseStepsAndStopsOnShutdown(t *testing.T) {
	src := &fakeSource{author: author, results: []fetchResult{batchOf()}}
	h := newHarness(t, Config{Schedule: everyHour{}}, src, storage.NewMemory("seen"))
	var steps []time.Duration
	beats := 0
	h.eng.deps.Heartbeat = func() { beats++ }
	h.eng.deps.Sleep = func(_ context.Context, d time.Duration) {
		steps = append(steps, d)
		if len(steps) == 5 {
			h.eng.RequestShutdown()
		}
	}
	h.run(t)

	if len(steps) != 5 {
		t.Fatalf("sleep steps = %d, want 5 (stop right after the request)", len(steps))
	}
	for i, d := range steps {
		if d > time.Second {
			t.Fatalf("step %d slept %s, want <= 1s", i, d)
		}
	}
	if beats < len(steps) {
		t.Fatalf("heartbeats = %d, want one per step", beats)
	}
}

// brokenLedger remembers ids but fails every write.
type brokenLedger struct {
	storage.Ledger
	writes int
}

func (b *brokenLedger) MarkDelivered(ctx context.Context, id string) error {
	b.writes++
	_ = b.Ledger.MarkDelivered(ctx, id)
	return &storage.StoreError{Op: "write", Err: errors.New("disk full")}
}

func TestLedgerWriteFailureKeepsDelivering(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	led := &brokenLedger{Ledger: storage.NewMemory("seen")}
	src := &fakeSource{author: author, results: []fetchResult{batchOf(items("B", "A")...), batchOf(items("B", "A")...)}}
	h := newHarness(t, Config{}, src, led)
	h.eng.deps.Bus = bus
	h.stopOnFetch(2)
	h.run(t)

	if got := strings.Join(h.sink.itemIDs(), ","); got != "A,B" {
		t.Fatalf("delivered = %s, want A,B once each", got)
	}
	if led.writes != 2 || !led.IsDelivered("A") || !led.IsDelivered("B") {
		t.Fatalf("writes = %d, in-memory ids lost", led.writes)
	}
	var ledgerErrs []string
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == eventbus.TypeLedgerError {
			msg, _ := ev.Data.(string)
			ledgerErrs = append(ledgerErrs, msg)
		}
	}
	if len(ledgerErrs) != 2 || !strings.Contains(ledgerErrs[0], "disk full") {
		t.Fatalf("ledger.error events = %q", ledgerErrs)
	}
}

func TestPolicies(t *testing.T) {
	cases := []struct {
		err  error
		want fetchAction
	}{
		{&source.QuotaError{Err: &source.APIError{Status: 429}}, skipTick},
		{&source.APIError{Status: 502}, skipTick},
		{&source.APIError{Status: 401}, invalidateAuthor},
		{&source.APIError{Status: 404}, invalidateAuthor},
		{context.Canceled, skipTick},
		{errors.New("weird"), cooldown},
	}
	for _, c := range cases {
		if got := fetchPolicy(c.err); got != c.want {
			t.Fatalf("fetchPolicy(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if deliveryPolicy(sink.Fatal) != markDelivered || deliveryPolicy(sink.Retryable) != retryLater {
		t.Fatal("delivery policy mismatch")
	}
	if w := retryWait(5*time.Second, 2*time.Minute, time.Minute); w != time.Minute {
		t.Fatalf("retryWait cap = %s", w)
	}
	if w := retryWait(5*time.Second, 0, time.Minute); w != 5*time.Second {
		t.Fatalf("retryWait = %s", w)
	}
}

type everyHour struct{}

func (everyHour) Next(t time.Time) time.Time { return t.Add(time.Hour) }
