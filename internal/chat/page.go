package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/detector"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

const (
	childCountJS = `(sel) => {
		const el = document.querySelector(sel);
		return el ? el.children.length : 0;
	}`

	busyJS = `(sel) => Array.from(document.querySelectorAll(sel)).some(e => e.getClientRects().length > 0)`

	// Clicks visible "read more" style buttons inside the newest match.
	expandJS = `(sel) => {
		const all = document.querySelectorAll(sel);
		if (!all.length) return 0;
		const last = all[all.length - 1];
		const scope = last.closest('[data-testid], .message, article, li') || last;
		let clicked = 0;
		scope.querySelectorAll('button').forEach(b => {
			const t = (b.innerText || '').trim();
			if (!/^(read|show|see) more/i.test(t)) return;
			if (b.disabled || !b.getClientRects().length) return;
			try { b.click(); clicked++; } catch (e) {}
		});
		return clicked;
	}`

	clearJS = `(sel) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('input not found: ' + sel);
		if (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement) {
			if (!el.value) return false;
			el.value = '';
		} else {
			if (!el.textContent) return false;
			el.textContent = '';
		}
		el.dispatchEvent(new InputEvent('input', { bubbles: true, inputType: 'deleteContent' }));
		return true;
	}`

	injectJS = `(sel, text) => {
		const el = document.querySelector(sel);
		if (!el) throw new Error('input not found: ' + sel);
		el.focus();
		if (el instanceof HTMLInputElement || el instanceof HTMLTextAreaElement) {
			el.value = text;
		} else {
			el.textContent = text;
		}
		el.dispatchEvent(new InputEvent('input', { bubbles: true, data: text, inputType: 'insertText' }));
		return true;
	}`

	directionJS = `(sel) => {
		const pick = (el) => el ? (el.getAttribute('dir') || getComputedStyle(el).direction || '').toLowerCase() : '';
		const container = sel ? document.querySelector(sel) : null;
		return pick(container) || pick(document.body) || 'ltr';
	}`
)

// staleMarkers are CDP messages for nodes or contexts that vanished between
// lookup and read.
var staleMarkers = []string{
	"Could not find node",
	"does not belong to the document",
	"Cannot find context",
	"Execution context was destroyed",
	"object not found",
	"Could not find object",
}

// ChatPage is the rod-backed view of one chat surface. It implements
// detector.Page, detector.Expander, Composer, Capturer and LoginSurface.
type ChatPage struct {
	page    *rod.Page
	cfg     config.ChatConfig
	network func() int64
}

// NewChatPage wraps page. network reports the session's request counter; nil
// disables activity correlation.
func NewChatPage(page *rod.Page, cfg config.ChatConfig, network func() int64) *ChatPage {
	return &ChatPage{page: page, cfg: cfg, network: network}
}

// Rod exposes the underlying page.
func (c *ChatPage) Rod() *rod.Page { return c.page }

// Query returns the text of every element matching selector, in document order.
func (c *ChatPage) Query(ctx context.Context, selector string) ([]string, error) {
	els, err := c.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, classifyObservationError("query "+selector, err)
	}
	texts := make([]string, 0, len(els))
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			return nil, classifyObservationError("read "+selector, err)
		}
		texts = append(texts, text)
	}
	return texts, nil
}

// ChildCount returns the number of children of the first element matching selector.
func (c *ChatPage) ChildCount(ctx context.Context, selector string) (int, error) {
	res, err := c.page.Context(ctx).Eval(childCountJS, selector)
	if err != nil {
		return 0, classifyObservationError("child count", err)
	}
	return res.Value.Int(), nil
}

// Busy reports whether a busy indicator is rendered.
func (c *ChatPage) Busy(ctx context.Context) (bool, error) {
	if c.cfg.BusySelector == "" {
		return false, nil
	}
	res, err := c.page.Context(ctx).Eval(busyJS, c.cfg.BusySelector)
	if err != nil {
		return false, classifyObservationError("busy", err)
	}
	return res.Value.Bool(), nil
}

// NetworkActivity returns the request counter, or -1 when unknown.
func (c *ChatPage) NetworkActivity(ctx context.Context) int64 {
	if c.network == nil {
		return -1
	}
	return c.network()
}

// ExpandLatest clicks "read more" buttons in the newest block matching selector.
func (c *ChatPage) ExpandLatest(ctx context.Context, selector string) error {
	if !c.cfg.ExpandMore {
		return nil
	}
	if _, err := c.page.Context(ctx).Eval(expandJS, selector); err != nil {
		return classifyObservationError("expand", err)
	}
	return nil
}

// ClearInput removes any text left in the input.
func (c *ChatPage) ClearInput(ctx context.Context) error {
	if _, err := c.page.Context(ctx).Eval(clearJS, c.cfg.InputSelector); err != nil {
		return fmt.Errorf("clear input: %w", err)
	}
	return nil
}

// TypeText focuses the input, inserts text as keyboard input and presses Enter.
func (c *ChatPage) TypeText(ctx context.Context, text string) error {
	p := c.page.Context(ctx)
	el, err := p.Timeout(c.cfg.GetReadyTimeout()).Element(c.cfg.InputSelector)
	if err != nil {
		return fmt.Errorf("find input: %w", err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		if err := el.Focus(); err != nil {
			return fmt.Errorf("focus input: %w", err)
		}
	}
	if err := p.InsertText(text); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	if err := p.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

// InjectText writes text into the input through the DOM, fires an input event
// and presses Enter.
func (c *ChatPage) InjectText(ctx context.Context, text string) error {
	p := c.page.Context(ctx)
	if _, err := p.Eval(injectJS, c.cfg.InputSelector, text); err != nil {
		return fmt.Errorf("inject text: %w", err)
	}
	if err := p.Keyboard.Type(input.Enter); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

// ClickSend clicks the send control when it is present and enabled.
func (c *ChatPage) ClickSend(ctx context.Context) (bool, error) {
	if c.cfg.SendButtonSelector == "" {
		return false, nil
	}
	els, err := c.page.Context(ctx).Elements(c.cfg.SendButtonSelector)
	if err != nil || len(els) == 0 {
		return false, err
	}
	el := els.First()
	if visible, err := el.Visible(); err != nil || !visible {
		return false, err
	}
	if disabled, err := el.Property("disabled"); err == nil && disabled.Bool() {
		return false, nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return false, fmt.Errorf("click send: %w", err)
	}
	return true, nil
}

// Ready waits until the chat input is visible.
func (c *ChatPage) Ready(ctx context.Context) error {
	p := c.page.Context(ctx).Timeout(c.cfg.GetReadyTimeout())
	el, err := p.Element(c.cfg.InputSelector)
	if err != nil {
		return fmt.Errorf("chat input %q not found: %w", c.cfg.InputSelector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("chat input %q not visible: %w", c.cfg.InputSelector, err)
	}
	return nil
}

// Direction returns the layout direction of the conversation, "ltr" or "rtl".
func (c *ChatPage) Direction(ctx context.Context) (string, error) {
	res, err := c.page.Context(ctx).Eval(directionJS, c.cfg.ContainerSelector)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Screenshot captures the full page as PNG.
func (c *ChatPage) Screenshot(ctx context.Context) ([]byte, error) {
	return c.page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// HTML returns the current document source.
func (c *ChatPage) HTML(ctx context.Context) (string, error) {
	return c.page.Context(ctx).HTML()
}

// Navigate loads url and waits for the load event.
func (c *ChatPage) Navigate(ctx context.Context, url string) error {
	p := c.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

// URL returns the current page URL.
func (c *ChatPage) URL(ctx context.Context) (string, error) {
	info, err := c.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// ClickText clicks the first button whose label contains text.
func (c *ChatPage) ClickText(ctx context.Context, text string, timeout time.Duration) error {
	el, err := c.page.Context(ctx).Timeout(timeout).ElementR("button", regexp.QuoteMeta(text))
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Fill types value into the field matching selector.
func (c *ChatPage) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	el, err := c.page.Context(ctx).Timeout(timeout).Element(selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Input(value)
}

// classifyObservationError tags errors caused by detached nodes or destroyed
// execution contexts with detector.ErrStale.
func classifyObservationError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var objErr *rod.ObjectNotFoundError
	if errors.As(err, &objErr) {
		return fmt.Errorf("%s: %w (%w)", op, detector.ErrStale, err)
	}
	msg := err.Error()
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		msg = cdpErr.Message + " " + cdpErr.Data
	}
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%s: %w (%w)", op, detector.ErrStale, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
