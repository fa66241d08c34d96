// Package bridge drives the poll cycle: unread discovery, chat switching,
// history ingest, governed dispatch to the reasoning worker, and governed
// sending of the replies that come back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quailyquaily/wabridge/driver"
	"github.com/quailyquaily/wabridge/governor"
	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/internal/chatlog"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/reasoner"
	"github.com/quailyquaily/wabridge/session"
	"github.com/quailyquaily/wabridge/switchplan"
)

// ErrRestartRequested propagates a manual restart command out of the run
// loop; the supervisor treats it as a restart, not a failure.
var ErrRestartRequested = errors.New("bridge: restart requested")

// maxDriverFailures is how many consecutive failed cycles escalate to the
// supervisor.
const maxDriverFailures = 3

type Config struct {
	PollInterval time.Duration
	// BotPrefix marks outbound replies and filters their echoes.
	BotPrefix string
	// AdminNumber is the phone number whose chat may issue slash commands.
	AdminNumber string
	// RequireRegistration gates dispatch to registered chats plus the
	// admin chat.
	RequireRegistration bool
	// UnverifiedFallback retries an unverified group switch once over a
	// known phone number from KnownNumbers.
	UnverifiedFallback bool
	// KnownNumbers maps group canonical IDs to an associated phone number.
	KnownNumbers map[string]string
	SnapshotPath string
	SelfLabels   []string
	// OnQR receives login QR payloads for terminal rendering. May be nil.
	OnQR func(payload string)
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 5 * time.Second
}

func (c Config) botPrefix() string {
	if c.BotPrefix != "" {
		return c.BotPrefix
	}
	return "Bot:"
}

type Orchestrator struct {
	cfg  config
	log  *slog.Logger
	drv  driver.Driver
	gov  *governor.Governor
	pipe *pipeline.Pipeline
	norm *identity.Normalizer

	table      *session.Table
	worker     reasoner.Worker
	workspaces *reasoner.Workspaces
	audit      *chatlog.Log
	events     eventRing

	// drvMu serializes every driver call. Never held across a worker
	// invocation.
	drvMu sync.Mutex

	// keyMu guards the key upgrade map and the pending dispatch window,
	// both touched by the cycle and by admin calls.
	keyMu sync.Mutex
	// groupKeys maps provisional title-derived keys to the token keys
	// learned from opened chats.
	groupKeys map[string]string
	// pending holds dedup keys already handed to a worker under an
	// uncommitted batch, so a replayed batch cannot dispatch them again.
	pending map[string]bool

	workers  *chatWorkers
	deferred []dispatchResult
	restart  atomic.Bool
	failures int
}

// config is Config with defaults resolved once.
type config struct {
	Config
	adminCanonical string
}

func New(cfg Config, drv driver.Driver, worker reasoner.Worker, workspaces *reasoner.Workspaces, gov *governor.Governor, audit *chatlog.Log, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:        config{Config: cfg, adminCanonical: identity.CanonicalNumber(cfg.AdminNumber)},
		log:        log,
		drv:        drv,
		gov:        gov,
		pipe:       &pipeline.Pipeline{BotPrefix: cfg.botPrefix()},
		norm:       identity.NewNormalizer(cfg.SelfLabels),
		table:      session.NewTable(),
		worker:     worker,
		workspaces: workspaces,
		audit:      audit,
		groupKeys:  make(map[string]string),
		pending:    make(map[string]bool),
	}
}

// Run loads persisted state, waits for login, and polls until the context
// ends or a fatal error escapes. Restart requests surface as
// ErrRestartRequested.
func (o *Orchestrator) Run(ctx context.Context) error {
	workersCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.workers = newChatWorkers(workersCtx, o.worker)

	if o.cfg.SnapshotPath != "" {
		globalUntil, backoffUntil, err := o.table.Load(o.cfg.SnapshotPath)
		if err != nil {
			return err
		}
		chatUntil := make(map[string]time.Time)
		for _, s := range o.table.All() {
			chatUntil[s.Identity.CanonicalID] = s.CooldownUntil

			// Rebuild the title-to-token key map so group chats resolve
			// to their persisted keys on the first cycle.
			if s.Identity.Kind == identity.KindGroup {
				prov, err := o.norm.NormalizeGroup(s.Identity.DisplayTitle, "")
				if err == nil && prov.CanonicalID != s.Identity.CanonicalID {
					o.setGroupKey(prov.CanonicalID, s.Identity.CanonicalID)
				}
			}
		}
		o.gov.Restore(globalUntil, backoffUntil, chatUntil)
	}

	if err := o.withDriver(func(d driver.Driver) error {
		return d.Login(ctx, o.cfg.OnQR)
	}); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	o.log.Info("bridge_logged_in")

	for {
		if err := o.cycle(ctx); err != nil {
			return err
		}
		o.saveSnapshot()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.pollInterval()):
		}
	}
}

func (o *Orchestrator) cycle(ctx context.Context) error {
	if o.restart.Swap(false) {
		return ErrRestartRequested
	}

	o.drainResults(ctx)

	var unread []driver.UnreadChat
	err := o.withDriver(func(d driver.Driver) error {
		var err error
		unread, err = d.ListUnread(ctx)
		return err
	})
	if err != nil {
		o.failures++
		o.log.Warn("bridge_unread_list_failed", "error", err, "consecutive", o.failures)
		o.events.add("unread_list_failed", "", err.Error())
		if o.failures >= maxDriverFailures {
			return fmt.Errorf("unread list failed %d times: %w", o.failures, err)
		}
		return nil
	}
	o.failures = 0

	for _, row := range unread {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.handleUnread(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleUnread(ctx context.Context, row driver.UnreadChat) error {
	id, final, err := o.resolve(row)
	if err != nil {
		o.log.Warn("bridge_identity_conflict", "title", row.RawTitle, "error", err)
		o.events.add("identity_conflict", row.RawTitle, err.Error())
		return nil
	}

	// Loop guard: the bot's own chat is never dispatched, regardless of
	// message role.
	if id.IsSelf() {
		o.events.add("self_chat_skipped", id.CanonicalID, "")
		return nil
	}

	// A provisional title key upgrades to the token key read from the
	// opened chat, so renames land on the existing session.
	opened := false
	if !final {
		if outcome := o.openChat(ctx, id); outcome != switchplan.OutcomeSuccess {
			o.events.add("switch_skipped", id.CanonicalID, string(outcome))
			return nil
		}
		opened = true
		id = o.learnGroupKey(ctx, id)
	}

	sess := o.table.Ensure(id)
	isAdmin := o.cfg.adminCanonical != "" && id.CanonicalID == o.cfg.adminCanonical

	if o.cfg.RequireRegistration && !sess.Registered && !isAdmin {
		o.log.Debug("bridge_unregistered_observed", "chat", id.CanonicalID, "unread", row.UnreadCount)
		return nil
	}

	if verdict := o.gov.CheckDispatch(id.CanonicalID); verdict != governor.VerdictOK {
		o.log.Debug("bridge_dispatch_deferred", "chat", id.CanonicalID, "verdict", string(verdict))
		return nil
	}

	if !opened {
		if outcome := o.openChat(ctx, id); outcome != switchplan.OutcomeSuccess {
			o.events.add("switch_skipped", id.CanonicalID, string(outcome))
			return nil
		}
	}

	raw, err := o.pipe.Drain(ctx, func(ctx context.Context, page, size int) ([]pipeline.Message, error) {
		var batch []pipeline.Message
		err := o.withDriver(func(d driver.Driver) error {
			var err error
			batch, err = d.FetchHistory(ctx, page, size)
			return err
		})
		for i := range batch {
			batch[i].OriginChat = id
		}
		return batch, err
	})
	if err != nil {
		o.log.Warn("bridge_history_failed", "chat", id.CanonicalID, "error", err)
		o.events.add("history_failed", id.CanonicalID, err.Error())
		return nil
	}

	batch := o.pipe.Ingest(raw, sess)
	o.attachMedia(ctx, batch.Messages)

	accepted := true
	for _, msg := range batch.Messages {
		if msg.Role != pipeline.RoleIncoming {
			continue
		}
		// A replayed batch skips messages already handed off; only the
		// ones that missed the queue go out again.
		key := msg.DedupKey()
		if o.pendingSeen(key) {
			continue
		}
		o.auditRecord(id.CanonicalID, "peer", msg.Content)

		if isAdmin {
			if cmd, ok := parseCommand(msg.Content); ok {
				if err := o.runCommand(sess, cmd); err != nil {
					return err
				}
				o.markPending(key)
				continue
			}
		}

		ref, err := o.workspaceFor(&sess)
		if err != nil {
			o.log.Error("bridge_workspace_failed", "chat", id.CanonicalID, "error", err)
			accepted = false
			break
		}
		if !o.workers.enqueue(dispatchJob{Chat: id, Message: msg, WorkspaceRef: ref, Version: sess.Version}) {
			accepted = false
			break
		}
		o.markPending(key)
	}

	// The watermark only advances once every message was handed off; a
	// partial cycle replays the batch.
	if accepted {
		if batch.Commit(o.table) {
			o.log.Debug("bridge_batch_committed", "chat", id.CanonicalID, "messages", len(batch.Messages))
		}
		o.clearPending(batch.Messages)
	}
	return nil
}

// resolve maps an unread row to an identity. The bool reports whether the
// key is final; a group key stays provisional until the conversation token
// has been learned from the opened chat.
func (o *Orchestrator) resolve(row driver.UnreadChat) (identity.ChatIdentity, bool, error) {
	var id identity.ChatIdentity
	var err error
	if row.IsGroup {
		id, err = o.norm.NormalizeGroup(row.RawTitle, "")
	} else {
		id, err = o.norm.Normalize(row.RawTitle, "")
	}
	if err != nil || id.Kind != identity.KindGroup {
		return id, true, err
	}
	if full, ok := o.groupKey(id.CanonicalID); ok {
		id.CanonicalID = full
		return id, true, nil
	}
	return id, false, nil
}

// learnGroupKey upgrades a provisional title-derived key to the token key of
// the opened chat, migrating session state held under the old key. Without a
// visible token the provisional key stands.
func (o *Orchestrator) learnGroupKey(ctx context.Context, id identity.ChatIdentity) identity.ChatIdentity {
	var token string
	err := o.withDriver(func(d driver.Driver) error {
		var err error
		token, err = d.ActiveChatToken(ctx)
		return err
	})
	if err != nil {
		o.log.Debug("bridge_chat_token_unavailable", "chat", id.CanonicalID, "error", err)
		return id
	}
	if token == "" {
		return id
	}
	full, err := o.norm.NormalizeGroup(id.DisplayTitle, token)
	if err != nil {
		return id
	}
	o.setGroupKey(id.CanonicalID, full.CanonicalID)
	o.table.Adopt(id.CanonicalID, full)
	return full
}

// attachMedia pulls the payload for the most recent media message of the
// batch, mirroring how history is scraped from the still-active chat.
func (o *Orchestrator) attachMedia(ctx context.Context, msgs []pipeline.Message) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != pipeline.RoleIncoming || !mediaKind(m.Type) {
			continue
		}
		var blobs [][]byte
		err := o.withDriver(func(d driver.Driver) error {
			var err error
			blobs, err = d.DownloadMedia(ctx, m.Type)
			return err
		})
		if err != nil {
			o.log.Warn("bridge_media_download_failed", "chat", m.OriginChat.CanonicalID, "error", err)
			return
		}
		msgs[i].Media = blobs
		return
	}
}

func mediaKind(t pipeline.Type) bool {
	return t == pipeline.TypeImage || t == pipeline.TypeAudio || t == pipeline.TypeVideo
}

// openChat executes the switch plan, retrying an unverified group switch
// once over a known phone number when configured.
func (o *Orchestrator) openChat(ctx context.Context, id identity.ChatIdentity) switchplan.Outcome {
	outcome := o.execPlan(ctx, switchplan.For(id))
	if outcome != switchplan.OutcomeUnverified {
		return outcome
	}
	if !o.cfg.UnverifiedFallback || id.Kind != identity.KindGroup {
		return outcome
	}
	num := identity.CanonicalNumber(o.cfg.KnownNumbers[id.CanonicalID])
	if num == "" {
		return outcome
	}
	o.log.Info("bridge_unverified_fallback", "chat", id.CanonicalID, "number", num)
	fallback := identity.ChatIdentity{Kind: identity.KindDirectNumber, CanonicalID: num, DisplayTitle: id.DisplayTitle}
	return o.execPlan(ctx, switchplan.For(fallback))
}

func (o *Orchestrator) execPlan(ctx context.Context, plan switchplan.Plan) switchplan.Outcome {
	var outcome switchplan.Outcome
	err := o.withDriver(func(d driver.Driver) error {
		var err error
		outcome, err = d.Open(ctx, plan)
		return err
	})
	if err != nil {
		o.log.Warn("bridge_switch_failed", "chat", plan.Target.CanonicalID, "error", err)
	}
	return outcome
}

// drainResults consumes completed worker results plus anything deferred by
// an earlier cooldown, sending replies under the governor.
func (o *Orchestrator) drainResults(ctx context.Context) {
	pending := o.deferred
	o.deferred = nil
	for {
		select {
		case r := <-o.workers.results:
			pending = append(pending, r)
			continue
		default:
		}
		break
	}

	for _, r := range pending {
		sess, ok := o.table.Get(r.Chat.CanonicalID)
		if !ok || sess.Version != r.Version {
			o.events.add("stale_result_dropped", r.Chat.CanonicalID, "")
			continue
		}
		if r.Result.QuotaExhausted {
			until := o.gov.ReportQuotaExhausted()
			o.log.Warn("governor_quota_backoff", "until", until)
			o.events.add("quota_backoff", r.Chat.CanonicalID, until.Format(time.RFC3339))
			continue
		}
		if r.Result.Err != nil {
			o.log.Error("bridge_worker_failed", "chat", r.Chat.CanonicalID, "error", r.Result.Err)
			o.events.add("worker_failed", r.Chat.CanonicalID, r.Result.Err.Error())
			continue
		}
		if strings.TrimSpace(r.Result.Reply) == "" {
			continue
		}

		if verdict := o.gov.CheckSend(r.Chat.CanonicalID); verdict != governor.VerdictOK {
			o.deferred = append(o.deferred, r)
			continue
		}
		if err := o.sendReply(ctx, r.Chat, r.Result.Reply); err != nil {
			o.log.Warn("bridge_send_failed", "chat", r.Chat.CanonicalID, "error", err)
			o.events.add("send_failed", r.Chat.CanonicalID, err.Error())
			o.deferred = append(o.deferred, r)
			continue
		}
		until := o.gov.RecordSend(r.Chat.CanonicalID)
		o.table.SetCooldown(r.Chat.CanonicalID, until)
		o.auditRecord(r.Chat.CanonicalID, "bot", r.Result.Reply)
		o.events.add("reply_sent", r.Chat.CanonicalID, "")
	}
}

func (o *Orchestrator) sendReply(ctx context.Context, chat identity.ChatIdentity, reply string) error {
	content := o.cfg.botPrefix() + " " + reply
	return o.withDriver(func(d driver.Driver) error {
		outcome, err := d.Open(ctx, switchplan.For(chat))
		if err != nil {
			return err
		}
		if outcome != switchplan.OutcomeSuccess {
			return fmt.Errorf("%w: switch outcome %s", driver.ErrDriverFailure, outcome)
		}
		return d.Send(ctx, chat, content)
	})
}

func (o *Orchestrator) runCommand(adminSess session.State, cmd command) error {
	reply := func(text string) {
		o.deferred = append(o.deferred, dispatchResult{
			Chat:    adminSess.Identity,
			Version: adminSess.Version,
			Result:  reasoner.Result{Reply: text},
		})
	}

	switch cmd.Name {
	case "register":
		if len(cmd.Args) == 0 {
			reply("usage: /register \"<chat title>\" [\"<folder>\"]")
			return nil
		}
		folder := ""
		if len(cmd.Args) > 1 {
			folder = cmd.Args[1]
		}
		if err := o.RegisterChat(cmd.Args[0], folder); err != nil {
			reply("register failed: " + err.Error())
			return nil
		}
		reply("registered " + cmd.Args[0])
	case "unregister":
		if len(cmd.Args) == 0 {
			reply("usage: /unregister \"<chat title>\"")
			return nil
		}
		if err := o.UnregisterChat(cmd.Args[0]); err != nil {
			reply("unregister failed: " + err.Error())
			return nil
		}
		reply("unregistered " + cmd.Args[0])
	case "reset":
		if len(cmd.Args) == 0 {
			reply("usage: /reset \"<chat title>\"")
			return nil
		}
		if err := o.ResetChat(cmd.Args[0]); err != nil {
			reply("reset failed: " + err.Error())
			return nil
		}
		reply("reset " + cmd.Args[0])
	case "restart":
		o.RequestRestart()
		reply("restarting")
	default:
		reply("unknown command: /" + cmd.Name)
	}
	o.events.add("admin_command", adminSess.Identity.CanonicalID, cmd.Name)
	return nil
}

func (o *Orchestrator) workspaceFor(sess *session.State) (string, error) {
	if sess.WorkspaceRef != "" {
		return sess.WorkspaceRef, nil
	}
	ref, err := o.workspaces.Get(sess.Identity.CanonicalID, "")
	if err != nil {
		return "", err
	}
	sess.WorkspaceRef = ref
	o.table.SetWorkspaceRef(sess.Identity.CanonicalID, ref)
	return ref, nil
}

func (o *Orchestrator) groupKey(provisional string) (string, bool) {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	full, ok := o.groupKeys[provisional]
	return full, ok
}

func (o *Orchestrator) setGroupKey(provisional, full string) {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	o.groupKeys[provisional] = full
}

func (o *Orchestrator) pendingSeen(key string) bool {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	return o.pending[key]
}

func (o *Orchestrator) markPending(key string) {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	o.pending[key] = true
}

func (o *Orchestrator) clearPending(msgs []pipeline.Message) {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	for _, m := range msgs {
		delete(o.pending, m.DedupKey())
	}
}

// forgetPending drops the pending window of one chat, used on reset and
// unregister so the next generation replays cleanly.
func (o *Orchestrator) forgetPending(canonicalID string) {
	o.keyMu.Lock()
	defer o.keyMu.Unlock()
	for key := range o.pending {
		if strings.HasPrefix(key, canonicalID+"|") {
			delete(o.pending, key)
		}
	}
}

func (o *Orchestrator) withDriver(fn func(driver.Driver) error) error {
	o.drvMu.Lock()
	defer o.drvMu.Unlock()
	return fn(o.drv)
}

func (o *Orchestrator) auditRecord(chat, sender, content string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(chat, sender, content); err != nil {
		o.log.Warn("bridge_audit_failed", "chat", chat, "error", err)
	}
}

func (o *Orchestrator) saveSnapshot() {
	if o.cfg.SnapshotPath == "" {
		return
	}
	globalUntil, backoffUntil := o.gov.Snapshot()
	if err := o.table.Save(o.cfg.SnapshotPath, globalUntil, backoffUntil); err != nil {
		o.log.Warn("bridge_snapshot_failed", "error", err)
	}
}

// resolveTitle maps an admin-supplied title to a canonical key, routing
// group titles through the learned token keys.
func (o *Orchestrator) resolveTitle(title string) (identity.ChatIdentity, error) {
	id, err := o.norm.Normalize(title, "")
	if err != nil {
		return id, err
	}
	if id.Kind == identity.KindGroup {
		if full, ok := o.groupKey(id.CanonicalID); ok {
			id.CanonicalID = full
		}
	}
	return id, nil
}

// RegisterChat resolves a title and marks the chat for dispatch, pinning an
// explicit workspace folder when given.
func (o *Orchestrator) RegisterChat(title, folder string) error {
	id, err := o.resolveTitle(title)
	if err != nil {
		return err
	}
	ref, err := o.workspaces.Get(id.CanonicalID, folder)
	if err != nil {
		return err
	}
	o.table.Register(id, ref)
	o.log.Info("bridge_chat_registered", "chat", id.CanonicalID, "workspace", ref)
	return nil
}

// UnregisterChat drops the session and its workspace. In-flight results for
// the chat are discarded when their session lookup fails.
func (o *Orchestrator) UnregisterChat(title string) error {
	id, err := o.resolveTitle(title)
	if err != nil {
		return err
	}
	if sess, ok := o.table.Get(id.CanonicalID); ok && sess.WorkspaceRef != "" {
		if err := o.workspaces.Remove(id.CanonicalID, filepath.Base(sess.WorkspaceRef)); err != nil {
			o.log.Warn("bridge_workspace_remove_failed", "chat", id.CanonicalID, "error", err)
		}
	}
	o.table.Unregister(id.CanonicalID)
	o.gov.Forget(id.CanonicalID)
	o.forgetPending(id.CanonicalID)
	o.log.Info("bridge_chat_unregistered", "chat", id.CanonicalID)
	return nil
}

func (o *Orchestrator) ResetChat(title string) error {
	id, err := o.resolveTitle(title)
	if err != nil {
		return err
	}
	if !o.table.Reset(id.CanonicalID) {
		return fmt.Errorf("unknown chat %s", id.CanonicalID)
	}
	o.gov.Forget(id.CanonicalID)
	o.forgetPending(id.CanonicalID)
	o.log.Info("bridge_chat_reset", "chat", id.CanonicalID)
	return nil
}

// RequestRestart makes the next cycle return ErrRestartRequested.
func (o *Orchestrator) RequestRestart() {
	o.restart.Store(true)
}

// SendManual sends through the same governor and driver lock as the cycle;
// there is no bypass path.
func (o *Orchestrator) SendManual(ctx context.Context, rawNumber, content string) error {
	num := identity.CanonicalNumber(rawNumber)
	if num == "" {
		return fmt.Errorf("invalid number %q", rawNumber)
	}
	id := identity.ChatIdentity{Kind: identity.KindDirectNumber, CanonicalID: num}
	if verdict := o.gov.CheckSend(num); verdict != governor.VerdictOK {
		return fmt.Errorf("send deferred: %s", verdict)
	}
	if err := o.sendReply(ctx, id, content); err != nil {
		return err
	}
	until := o.gov.RecordSend(num)
	o.table.SetCooldown(num, until)
	o.auditRecord(num, "admin", content)
	o.events.add("manual_send", num, "")
	return nil
}

func (o *Orchestrator) Sessions() []session.State { return o.table.All() }

func (o *Orchestrator) Events() []Event { return o.events.list() }

// AuditTail exposes the recent chat log for the dashboard.
func (o *Orchestrator) AuditTail(n int) []chatlog.Entry {
	if o.audit == nil {
		return nil
	}
	return o.audit.Tail(n)
}

// Cycle runs one poll cycle; exposed for tests and mock mode.
func (o *Orchestrator) Cycle(ctx context.Context) error {
	if o.workers == nil {
		o.workers = newChatWorkers(ctx, o.worker)
	}
	return o.cycle(ctx)
}
