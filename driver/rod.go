package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/quailyquaily/wabridge/identity"
	"github.com/quailyquaily/wabridge/pipeline"
	"github.com/quailyquaily/wabridge/switchplan"
)

// DOM anchors. The contenteditable data-tab indices are the most stable
// handles the front end exposes; everything else churns.
const (
	selQRCode      = `div[data-ref]`
	selSearchBox   = `div[contenteditable="true"][data-tab="3"]`
	selMessageBox  = `div[contenteditable="true"][data-tab="10"]`
	selHeaderTitle = `header span[title]`
)

type RodConfig struct {
	// Bin is the browser binary; empty lets the launcher resolve one.
	Bin string
	// UserDataDir persists the authenticated session across restarts.
	UserDataDir string
	Headless    bool
	BaseURL     string
	// NavTimeout bounds every switch and scrape call.
	NavTimeout time.Duration
	// LoginTimeout bounds the QR wait.
	LoginTimeout time.Duration
}

func (c RodConfig) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://web.whatsapp.com"
}

func (c RodConfig) navTimeout() time.Duration {
	if c.NavTimeout > 0 {
		return c.NavTimeout
	}
	return 30 * time.Second
}

func (c RodConfig) loginTimeout() time.Duration {
	if c.LoginTimeout > 0 {
		return c.LoginTimeout
	}
	return 3 * time.Minute
}

// Rod drives the web front end through a Chromium instance. One instance
// owns one page; callers serialize access.
type Rod struct {
	cfg     RodConfig
	browser *rod.Browser
	page    *rod.Page
}

func NewRod(ctx context.Context, cfg RodConfig) (*Rod, error) {
	launch := launcher.New().Headless(cfg.Headless)
	if cfg.Bin != "" {
		launch = launch.Bin(cfg.Bin)
	}
	if cfg.UserDataDir != "" {
		launch = launch.UserDataDir(cfg.UserDataDir)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launch browser: %v", ErrDriverFailure, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect browser: %v", ErrDriverFailure, err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: cfg.baseURL()})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("%w: open page: %v", ErrDriverFailure, err)
	}

	return &Rod{cfg: cfg, browser: browser, page: page}, nil
}

func (r *Rod) Close() error {
	if r.browser == nil {
		return nil
	}
	return r.browser.Close()
}

// Login polls until the search box appears, surfacing each fresh QR payload
// to onQR while waiting.
func (r *Rod) Login(ctx context.Context, onQR func(payload string)) error {
	deadline := time.Now().Add(r.cfg.loginTimeout())
	lastQR := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrLoginTimeout
		}

		if has, _, err := r.page.Has(selSearchBox); err == nil && has {
			return nil
		}

		if el, err := r.page.Timeout(2 * time.Second).Element(selQRCode); err == nil {
			if ref, err := el.Attribute("data-ref"); err == nil && ref != nil && *ref != lastQR {
				lastQR = *ref
				if onQR != nil {
					onQR(*ref)
				}
			}
		}
		time.Sleep(2 * time.Second)
	}
}

type unreadRow struct {
	Title  string `json:"title"`
	Unread int    `json:"unread"`
	Group  bool   `json:"group"`
}

func (r *Rod) ListUnread(ctx context.Context) ([]UnreadChat, error) {
	res, err := r.page.Context(ctx).Timeout(r.cfg.navTimeout()).Eval(`() => {
		const rows = [];
		for (const item of document.querySelectorAll('#pane-side [role="listitem"]')) {
			const badge = item.querySelector('span[aria-label*="unread"], span[aria-label*="ungelesen"]');
			if (!badge) continue;
			const title = item.querySelector('span[title]');
			if (!title) continue;
			const count = parseInt(badge.textContent, 10);
			rows.push({
				title: title.getAttribute('title'),
				unread: isNaN(count) ? 1 : count,
				group: !!item.querySelector('span[data-icon="default-group"]'),
			});
		}
		return rows;
	}`)
	if err != nil {
		return nil, fmt.Errorf("%w: list unread: %v", ErrDriverFailure, err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: decode unread list: %v", ErrDriverFailure, err)
	}
	var rows []unreadRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode unread list: %v", ErrDriverFailure, err)
	}

	out := make([]UnreadChat, 0, len(rows))
	for _, row := range rows {
		out = append(out, UnreadChat{RawTitle: row.Title, UnreadCount: row.Unread, IsGroup: row.Group})
	}
	return out, nil
}

func (r *Rod) Open(ctx context.Context, plan switchplan.Plan) (switchplan.Outcome, error) {
	page := r.page.Context(ctx).Timeout(r.cfg.navTimeout())

	switch plan.Strategy {
	case switchplan.StrategyDirectURL:
		url := fmt.Sprintf("%s/send?phone=%s", r.cfg.baseURL(), plan.Target.CanonicalID)
		if err := page.Navigate(url); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: navigate %s: %v", ErrDriverFailure, url, err)
		}
		if _, err := page.Element(selMessageBox); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: message box after deep link: %v", ErrDriverFailure, err)
		}
		// Deep links are trusted unconditionally for number-keyed targets.
		return switchplan.OutcomeSuccess, nil

	case switchplan.StrategySearchVerify:
		box, err := page.Element(selSearchBox)
		if err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: search box: %v", ErrDriverFailure, err)
		}
		if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: focus search: %v", ErrDriverFailure, err)
		}
		if err := box.SelectAllText(); err == nil {
			_ = box.Type(input.Backspace)
		}
		if err := box.Input(plan.Target.DisplayTitle); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: type search: %v", ErrDriverFailure, err)
		}
		time.Sleep(time.Second)
		if err := box.Type(input.Enter); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: confirm search: %v", ErrDriverFailure, err)
		}
		if _, err := page.Element(selMessageBox); err != nil {
			return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: message box after search: %v", ErrDriverFailure, err)
		}

		if plan.VerifyRequired {
			title, err := r.ActiveChatTitle(ctx)
			if err != nil {
				return switchplan.OutcomeDriverFailure, err
			}
			if !titlesMatch(title, plan.Target.DisplayTitle) {
				return switchplan.OutcomeUnverified, nil
			}
		}
		return switchplan.OutcomeSuccess, nil
	}
	return switchplan.OutcomeDriverFailure, fmt.Errorf("%w: unknown strategy %q", ErrDriverFailure, plan.Strategy)
}

type historyRow struct {
	ID      string `json:"id"`
	Out     bool   `json:"out"`
	Text    string `json:"text"`
	Kind    string `json:"kind"`
	Preline string `json:"preline"`
}

func (r *Rod) FetchHistory(ctx context.Context, page, size int) ([]pipeline.Message, error) {
	res, err := r.page.Context(ctx).Timeout(r.cfg.navTimeout()).Eval(`(page, size) => {
		const rows = [];
		const nodes = document.querySelectorAll('div[data-id]');
		const end = nodes.length - page * size;
		const start = Math.max(0, end - size);
		for (let i = start; i < end; i++) {
			const node = nodes[i];
			const text = node.querySelector('span.selectable-text');
			let kind = 'other';
			if (text) kind = 'text';
			else if (node.querySelector('span[data-icon="audio-play"]')) kind = 'audio';
			else if (node.querySelector('img[src^="blob:"]')) kind = 'image';
			else if (node.querySelector('span[data-icon="video-pip"]')) kind = 'video';
			else if (node.querySelector('span[data-icon="contact-card"]')) kind = 'contact';
			const pre = node.querySelector('[data-pre-plain-text]');
			rows.push({
				id: node.getAttribute('data-id'),
				out: node.className.includes('message-out'),
				text: text ? text.textContent : '',
				kind: kind,
				preline: pre ? pre.getAttribute('data-pre-plain-text') : '',
			});
		}
		return rows;
	}`, page, size)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch history: %v", ErrDriverFailure, err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: decode history: %v", ErrDriverFailure, err)
	}
	var rows []historyRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode history: %v", ErrDriverFailure, err)
	}

	out := make([]pipeline.Message, 0, len(rows))
	for _, row := range rows {
		msg := pipeline.Message{
			Role:      pipeline.RoleIncoming,
			Type:      messageType(row.Kind),
			Content:   row.Text,
			Timestamp: parsePrePlainTime(row.Preline),
		}
		// Outgoing rows carry a "true_" data-id prefix; the class check
		// covers DOM variants that drop it.
		if row.Out || strings.HasPrefix(row.ID, "true_") {
			msg.Role = pipeline.RoleOutgoing
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Rod) Send(ctx context.Context, target identity.ChatIdentity, content string) error {
	page := r.page.Context(ctx).Timeout(r.cfg.navTimeout())
	box, err := page.Element(selMessageBox)
	if err != nil {
		return fmt.Errorf("%w: message box for %s: %v", ErrDriverFailure, target.CanonicalID, err)
	}
	if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("%w: focus message box: %v", ErrDriverFailure, err)
	}
	// insertText keeps newlines and emoji intact where key events mangle
	// them.
	if _, err := page.Eval(`(text) => { document.execCommand('insertText', false, text); }`, content); err != nil {
		return fmt.Errorf("%w: insert text: %v", ErrDriverFailure, err)
	}
	if err := box.Type(input.Enter); err != nil {
		return fmt.Errorf("%w: submit message: %v", ErrDriverFailure, err)
	}
	return nil
}

// ActiveChatToken scans the open conversation for a message data-id and
// extracts the conversation segment. The token survives renames, unlike the
// header title.
func (r *Rod) ActiveChatToken(ctx context.Context) (string, error) {
	res, err := r.page.Context(ctx).Timeout(r.cfg.navTimeout()).Eval(`() => {
		for (const node of document.querySelectorAll('div[data-id]')) {
			const id = node.getAttribute('data-id');
			if (id && (id.startsWith('true_') || id.startsWith('false_'))) return id;
		}
		return '';
	}`)
	if err != nil {
		return "", fmt.Errorf("%w: chat token: %v", ErrDriverFailure, err)
	}
	return parseChatToken(res.Value.String()), nil
}

// DownloadMedia converts the latest matching blob sources to bytes in-page.
// Audio and video land here only after the UI has started loading them; an
// empty result is not an error.
func (r *Rod) DownloadMedia(ctx context.Context, kind pipeline.Type) ([][]byte, error) {
	sel := `div[data-id] img[src^="blob:"]`
	if kind == pipeline.TypeAudio || kind == pipeline.TypeVideo {
		sel = `div[data-id] audio[src^="blob:"], div[data-id] video[src^="blob:"]`
	}
	res, err := r.page.Context(ctx).Timeout(r.cfg.navTimeout()).Eval(`async (sel) => {
		const nodes = [...document.querySelectorAll(sel)].slice(-3);
		const out = [];
		for (const node of nodes) {
			const resp = await fetch(node.src);
			const blob = await resp.blob();
			const data = await new Promise((resolve) => {
				const reader = new FileReader();
				reader.onload = () => resolve(reader.result);
				reader.readAsDataURL(blob);
			});
			out.push(data);
		}
		return out;
	}`, sel)
	if err != nil {
		return nil, fmt.Errorf("%w: download media: %v", ErrDriverFailure, err)
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: decode media: %v", ErrDriverFailure, err)
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, fmt.Errorf("%w: decode media: %v", ErrDriverFailure, err)
	}

	var blobs [][]byte
	for _, u := range urls {
		if data, ok := decodeDataURL(u); ok {
			blobs = append(blobs, data)
		}
	}
	return blobs, nil
}

func (r *Rod) ActiveChatTitle(ctx context.Context) (string, error) {
	el, err := r.page.Context(ctx).Timeout(r.cfg.navTimeout()).Element(selHeaderTitle)
	if err != nil {
		return "", fmt.Errorf("%w: header title: %v", ErrDriverFailure, err)
	}
	if title, err := el.Attribute("title"); err == nil && title != nil && *title != "" {
		return *title, nil
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("%w: header text: %v", ErrDriverFailure, err)
	}
	return text, nil
}

func messageType(kind string) pipeline.Type {
	switch kind {
	case "text":
		return pipeline.TypeText
	case "audio":
		return pipeline.TypeAudio
	case "video":
		return pipeline.TypeVideo
	case "image":
		return pipeline.TypeImage
	case "contact":
		return pipeline.TypeContact
	}
	return pipeline.TypeOther
}

// prePlainLayouts are the timestamp formats observed inside
// data-pre-plain-text, e.g. "[14:02, 8/1/2026] Alex: ".
var prePlainLayouts = []string{
	"15:04, 1/2/2006",
	"15:04, 2.1.2006",
	"3:04 PM, 1/2/2006",
}

func parsePrePlainTime(preline string) time.Time {
	start := strings.IndexByte(preline, '[')
	end := strings.IndexByte(preline, ']')
	if start < 0 || end <= start {
		return time.Now()
	}
	stamp := strings.TrimSpace(preline[start+1 : end])
	for _, layout := range prePlainLayouts {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return t
		}
	}
	return time.Now()
}

// parseChatToken reads a message data-id of the form
// [true/false]_[conversation]_[serial] and returns the middle segment.
func parseChatToken(dataID string) string {
	parts := strings.SplitN(dataID, "_", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func decodeDataURL(s string) ([]byte, bool) {
	if !strings.HasPrefix(s, "data:") {
		return nil, false
	}
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil {
		return nil, false
	}
	return data, true
}

func titlesMatch(got, want string) bool {
	fold := func(s string) string {
		return strings.ToLower(strings.Join(strings.Fields(s), " "))
	}
	return fold(got) == fold(want)
}
