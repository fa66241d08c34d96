package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quailyquaily/wabridge/driver"
	"github.com/quailyquaily/wabridge/governor"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/reasoner"
	"github.com/quailyquaily/wabridge/switchplan"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingWorker struct {
	mu      sync.Mutex
	prompts []string
	inner   reasoner.Worker
}

func (c *countingWorker) Dispatch(ctx context.Context, ref, prompt string) reasoner.Result {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if c.inner != nil {
		return c.inner.Dispatch(ctx, ref, prompt)
	}
	return reasoner.Result{Reply: "re: " + prompt}
}

func (c *countingWorker) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}

type fixture struct {
	o      *Orchestrator
	mock   *driver.Mock
	clock  *fakeClock
	worker *countingWorker
}

func newFixture(t *testing.T, cfg Config, mock *driver.Mock) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	gov := governor.New(governor.Options{Now: clock.now})
	ws, err := reasoner.NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("workspaces: %v", err)
	}
	worker := &countingWorker{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		o:      New(cfg, mock, worker, ws, gov, nil, log),
		mock:   mock,
		clock:  clock,
		worker: worker,
	}
}

func incoming(content string, ts time.Time) pipeline.Message {
	return pipeline.Message{Role: pipeline.RoleIncoming, Type: pipeline.TypeText, Content: content, Timestamp: ts}
}

func base() time.Time { return time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC) }

// spin runs cycles with the clock advancing until check passes.
func (f *fixture) spin(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.clock.advance(3 * time.Second)
		if err := f.o.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle: %v", err)
		}
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never reached")
}

func TestCycleResolvesAndGuardsSelf(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{
			{RawTitle: "491701234567", UnreadCount: 1},
			{RawTitle: "Du", UnreadCount: 2},
			{RawTitle: "Family Group", UnreadCount: 3, IsGroup: true},
		}},
		History: map[string][][]pipeline.Message{
			"491701234567":     {{incoming("hi", base())}},
			"grp:family-group": {{incoming("hello group", base())}},
		},
	}
	f := newFixture(t, Config{}, mock)

	f.spin(t, func() bool { return len(f.worker.calls()) >= 2 })

	for _, prompt := range f.worker.calls() {
		if strings.Contains(prompt, "self") {
			t.Fatalf("self chat reached the worker: %q", prompt)
		}
	}
	f.spin(t, func() bool {
		return len(f.mock.SentTo("491701234567")) == 1 && len(f.mock.SentTo("grp:family-group")) == 1
	})
	if got := f.mock.SentTo("491701234567")[0]; !strings.HasPrefix(got, "Bot: ") {
		t.Fatalf("reply missing bot prefix: %q", got)
	}
}

func TestRepliesOrderedPerChat(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "491701234567", UnreadCount: 3}}},
		History: map[string][][]pipeline.Message{
			"491701234567": {{
				incoming("one", base().Add(1*time.Second)),
				incoming("two", base().Add(2*time.Second)),
				incoming("three", base().Add(3*time.Second)),
			}},
		},
	}
	f := newFixture(t, Config{}, mock)

	f.spin(t, func() bool { return len(f.mock.SentTo("491701234567")) == 3 })

	sent := f.mock.SentTo("491701234567")
	want := []string{"Bot: re: one", "Bot: re: two", "Bot: re: three"}
	for i := range want {
		if sent[i] != want[i] {
			t.Fatalf("sent[%d] = %q, want %q (all: %v)", i, sent[i], want[i], sent)
		}
	}
}

func TestCooldownDefersSecondReply(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "491701234567", UnreadCount: 2}}},
		History: map[string][][]pipeline.Message{
			"491701234567": {{
				incoming("one", base().Add(1*time.Second)),
				incoming("two", base().Add(2*time.Second)),
			}},
		},
	}
	f := newFixture(t, Config{}, mock)

	// One cycle enqueues both messages; wait for both results without
	// draining so they land in the same drain pass.
	if err := f.o.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.worker.calls()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if err := f.o.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	first := len(f.mock.SentTo("491701234567"))
	if first > 1 {
		t.Fatalf("cooldown did not defer: %d sends in one drain", first)
	}

	f.spin(t, func() bool { return len(f.mock.SentTo("491701234567")) == 2 })
}

func TestQuotaBackoffSuspendsDispatch(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{
			{RawTitle: "491701234567", UnreadCount: 1},
			{RawTitle: "491709999999", UnreadCount: 1},
		}},
		History: map[string][][]pipeline.Message{
			"491701234567": {{incoming("burn quota", base())}},
			"491709999999": {{incoming("later", base().Add(time.Hour))}},
		},
	}
	f := newFixture(t, Config{}, mock)
	f.worker.inner = &reasoner.Stub{QuotaAfter: 1}

	// First dispatch trips the quota signal.
	f.spin(t, func() bool { return len(f.worker.calls()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if err := f.o.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	// New unread content arrives while backed off; it must wait, not drop.
	mock.History["491709999999"] = [][]pipeline.Message{{incoming("during backoff", base().Add(2*time.Hour))}}

	calls := len(f.worker.calls())
	for i := 0; i < 5; i++ {
		f.clock.advance(30 * time.Second)
		if err := f.o.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle: %v", err)
		}
	}
	if got := len(f.worker.calls()); got != calls {
		t.Fatalf("dispatch during backoff: %d -> %d", calls, got)
	}

	// Time-based exit: past the deadline the deferred chat dispatches.
	f.worker.inner = nil
	f.clock.advance(5 * time.Minute)
	f.spin(t, func() bool { return len(f.worker.calls()) > calls })
}

func TestRegistrationGate(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "491701234567", UnreadCount: 1}}},
		History: map[string][][]pipeline.Message{
			"491701234567": {{incoming("ignored", base())}},
		},
	}
	f := newFixture(t, Config{RequireRegistration: true}, mock)

	for i := 0; i < 3; i++ {
		f.clock.advance(3 * time.Second)
		if err := f.o.Cycle(context.Background()); err != nil {
			t.Fatalf("cycle: %v", err)
		}
	}
	if len(f.worker.calls()) != 0 {
		t.Fatalf("unregistered chat dispatched: %v", f.worker.calls())
	}

	if err := f.o.RegisterChat("491701234567", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.spin(t, func() bool { return len(f.worker.calls()) == 1 })
}

func TestAdminCommandsRegisterAndRestart(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "491700000001", UnreadCount: 1}}},
		History: map[string][][]pipeline.Message{
			"491700000001": {{incoming(`/register "Family Group" "family"`, base())}},
		},
	}
	f := newFixture(t, Config{RequireRegistration: true, AdminNumber: "+49 170 0000001"}, mock)

	f.spin(t, func() bool { return len(f.mock.SentTo("491700000001")) == 1 })
	if got := f.mock.SentTo("491700000001")[0]; !strings.Contains(got, "registered") {
		t.Fatalf("confirmation = %q", got)
	}

	var registered bool
	for _, s := range f.o.Sessions() {
		if s.Identity.CanonicalID == "grp:family-group" && s.Registered {
			registered = true
		}
	}
	if !registered {
		t.Fatalf("group not registered: %+v", f.o.Sessions())
	}

	f.o.RequestRestart()
	if err := f.o.Cycle(context.Background()); !errors.Is(err, ErrRestartRequested) {
		t.Fatalf("cycle error = %v, want ErrRestartRequested", err)
	}
}

func TestIdentityConflictSkipsChat(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "12345678901", UnreadCount: 1, IsGroup: true}}},
	}
	f := newFixture(t, Config{}, mock)

	if err := f.o.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	var conflict bool
	for _, e := range f.o.Events() {
		if e.Kind == "identity_conflict" {
			conflict = true
		}
	}
	if !conflict {
		t.Fatalf("no identity_conflict event: %+v", f.o.Events())
	}
	if len(f.worker.calls()) != 0 {
		t.Fatalf("conflicting chat dispatched")
	}
}

func TestUnverifiedFallbackToKnownNumber(t *testing.T) {
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "Family Group", UnreadCount: 1, IsGroup: true}}},
		Outcomes: map[string]switchplan.Outcome{
			"grp:family-group": switchplan.OutcomeUnverified,
		},
		History: map[string][][]pipeline.Message{
			"491701234567": {{incoming("via fallback", base())}},
		},
	}
	f := newFixture(t, Config{
		UnverifiedFallback: true,
		KnownNumbers:       map[string]string{"grp:family-group": "+49 170 1234567"},
	}, mock)

	f.spin(t, func() bool { return len(f.worker.calls()) == 1 })
	if f.worker.calls()[0] != "via fallback" {
		t.Fatalf("prompt = %q", f.worker.calls()[0])
	}
}

func TestGroupRenameKeepsSession(t *testing.T) {
	token := "491700000001-1600000000@g.us"
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{
			{{RawTitle: "Family Group", UnreadCount: 1, IsGroup: true}},
			{{RawTitle: "Family Crew", UnreadCount: 1, IsGroup: true}},
		},
		Tokens: map[string]string{
			"grp:family-group": token,
			"grp:family-crew":  token,
		},
		History: map[string][][]pipeline.Message{
			"grp:family-group": {{incoming("hello", base())}},
			"grp:family-crew":  {{incoming("hello", base()), incoming("after rename", base().Add(time.Minute))}},
		},
	}
	f := newFixture(t, Config{}, mock)

	f.spin(t, func() bool {
		for _, p := range f.worker.calls() {
			if p == "after rename" {
				return true
			}
		}
		return false
	})

	hellos := 0
	for _, p := range f.worker.calls() {
		if p == "hello" {
			hellos++
		}
	}
	if hellos != 1 {
		t.Fatalf("watermark lost across rename: %q dispatched %d times", "hello", hellos)
	}

	var groups []string
	for _, s := range f.o.Sessions() {
		if strings.HasPrefix(s.Identity.CanonicalID, "grp:") {
			groups = append(groups, s.Identity.CanonicalID)
			if s.Identity.DisplayTitle != "Family Crew" {
				t.Fatalf("display title = %q, want renamed title", s.Identity.DisplayTitle)
			}
		}
	}
	if len(groups) != 1 || groups[0] != "grp:"+token {
		t.Fatalf("group sessions = %v, want single token key", groups)
	}
}

func TestMediaMessageReachesWorkerAsFile(t *testing.T) {
	blob := []byte("\xff\xd8\xfffake jpeg payload")
	mock := &driver.Mock{
		Unread: [][]driver.UnreadChat{{{RawTitle: "491701234567", UnreadCount: 1}}},
		History: map[string][][]pipeline.Message{
			"491701234567": {{{Role: pipeline.RoleIncoming, Type: pipeline.TypeImage, Timestamp: base()}}},
		},
		Media: map[string][][]byte{"491701234567": {blob}},
	}
	f := newFixture(t, Config{}, mock)

	f.spin(t, func() bool { return len(f.worker.calls()) == 1 })

	prompt := f.worker.calls()[0]
	marker := "File: @"
	i := strings.Index(prompt, marker)
	if i < 0 {
		t.Fatalf("prompt carries no media file: %q", prompt)
	}
	path := prompt[i+len(marker):]
	if !strings.HasSuffix(path, ".jpg") {
		t.Fatalf("media path = %q, want .jpg", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read media file: %v", err)
	}
	if string(data) != string(blob) {
		t.Fatalf("media bytes mangled")
	}
}

func TestUnregisterRemovesWorkspace(t *testing.T) {
	f := newFixture(t, Config{RequireRegistration: true}, &driver.Mock{})

	if err := f.o.RegisterChat("491701234567", "family"); err != nil {
		t.Fatalf("register: %v", err)
	}
	var ref string
	for _, s := range f.o.Sessions() {
		if s.Identity.CanonicalID == "491701234567" {
			ref = s.WorkspaceRef
		}
	}
	if ref == "" {
		t.Fatalf("no workspace ref after register")
	}
	if _, err := os.Stat(ref); err != nil {
		t.Fatalf("workspace missing: %v", err)
	}

	if err := f.o.UnregisterChat("491701234567"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := os.Stat(ref); !os.IsNotExist(err) {
		t.Fatalf("workspace still present after unregister: %v", err)
	}
}

type gatedWorker struct {
	mu    sync.Mutex
	gate  chan struct{}
	calls []string
}

func (w *gatedWorker) Dispatch(ctx context.Context, ref, prompt string) reasoner.Result {
	<-w.gate
	w.mu.Lock()
	w.calls = append(w.calls, prompt)
	w.mu.Unlock()
	return reasoner.Result{}
}

func (w *gatedWorker) list() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func TestPartialEnqueueDoesNotDuplicateDispatch(t *testing.T) {
	var msgs []pipeline.Message
	for i := 0; i < 18; i++ {
		msgs = append(msgs, incoming(fmt.Sprintf("m%02d", i), base().Add(time.Duration(i)*time.Second)))
	}
	mock := &driver.Mock{
		Unread:  [][]driver.UnreadChat{{{RawTitle: "491701234567", UnreadCount: 18}}},
		History: map[string][][]pipeline.Message{"491701234567": {msgs[:10], msgs[10:]}},
	}
	f := newFixture(t, Config{}, mock)
	gw := &gatedWorker{gate: make(chan struct{})}
	f.o.worker = gw

	// The first cycle overruns the chat queue while the worker is stuck,
	// so the batch cannot commit and replays.
	if err := f.o.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	close(gw.gate)

	f.spin(t, func() bool { return len(gw.list()) == 18 })

	seen := map[string]int{}
	for _, p := range gw.list() {
		seen[p]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Fatalf("%q dispatched %d times", p, n)
		}
	}
}

func TestManualSendGoesThroughGovernor(t *testing.T) {
	mock := &driver.Mock{}
	f := newFixture(t, Config{}, mock)

	if err := f.o.SendManual(context.Background(), "+49 170 1234567", "hello"); err != nil {
		t.Fatalf("manual send: %v", err)
	}
	if err := f.o.SendManual(context.Background(), "+49 170 1234567", "too fast"); err == nil {
		t.Fatalf("second send inside cooldown should be refused")
	}
	f.clock.advance(3 * time.Second)
	if err := f.o.SendManual(context.Background(), "+49 170 1234567", "after cooldown"); err != nil {
		t.Fatalf("send after cooldown: %v", err)
	}
	if got := len(f.mock.SentTo("491701234567")); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
}

func TestDriverFailureEscalatesAfterThreshold(t *testing.T) {
	mock := &failingListDriver{Mock: driver.Mock{}}
	f := newFixture(t, Config{}, &mock.Mock)
	f.o.drv = mock

	var err error
	for i := 0; i < maxDriverFailures; i++ {
		err = f.o.Cycle(context.Background())
	}
	if err == nil {
		t.Fatalf("repeated driver failure did not escalate")
	}
}

type failingListDriver struct {
	driver.Mock
}

func (d *failingListDriver) ListUnread(ctx context.Context) ([]driver.UnreadChat, error) {
	return nil, driver.ErrDriverFailure
}
