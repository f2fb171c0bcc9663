package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qapilot-mcp-server/internal/resolver"

	"github.com/go-rod/rod"
)

// RefAttr tags every element the engine has handed out a ref for.
const RefAttr = "data-qapilot-ref"

// Element is one interactive element found on the page.
type Element struct {
	Ref      string `json:"ref"`
	Category string `json:"category"` // buttons, links or forms
	Tag      string `json:"tag"`
	Text     string `json:"text,omitempty"`
	Href     string `json:"href,omitempty"`
}

// Outcome is the result of activating one element.
type Outcome struct {
	Ref        string `json:"ref"`
	Category   string `json:"category"`
	Text       string `json:"text,omitempty"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Page adapts a rod page to the capabilities the engine needs.
type Page struct {
	tabID   string
	page    *rod.Page
	timeout time.Duration
}

func newPage(tabID string, page *rod.Page, timeout time.Duration) *Page {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Page{tabID: tabID, page: page, timeout: timeout}
}

func (p *Page) TabID() string { return p.tabID }

func (p *Page) eval(ctx context.Context, js string, dst interface{}, args ...interface{}) error {
	res, err := p.page.Context(ctx).Timeout(p.timeout).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return err
	}
	if dst == nil || res == nil {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	return json.Unmarshal(raw, dst)
}

// Info returns the current URL and title.
func (p *Page) Info(ctx context.Context) (url, title string, err error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", "", err
	}
	return info.URL, info.Title, nil
}

// HTML returns the serialized document.
func (p *Page) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).Timeout(p.timeout).HTML()
}

// SetMarker tags the live document with the session it belongs to. A reload
// or navigation drops the marker.
func (p *Page) SetMarker(ctx context.Context, sessionID string) error {
	return p.eval(ctx, `(id) => { window.__qapilotSession = id; return true; }`, nil, sessionID)
}

// Marker reads the session tag, empty when absent.
func (p *Page) Marker(ctx context.Context) (string, error) {
	var id string
	err := p.eval(ctx, `() => window.__qapilotSession || ""`, &id)
	return id, err
}

func (p *Page) ClearMarker(ctx context.Context) error {
	return p.eval(ctx, `() => { delete window.__qapilotSession; return true; }`, nil)
}

// Interactive lists buttons, links and forms in document order, up to limit.
func (p *Page) Interactive(ctx context.Context, limit int) ([]Element, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Element
	if err := p.eval(ctx, discoverJS, &out, limit); err != nil {
		return nil, fmt.Errorf("discover elements: %w", err)
	}
	return out, nil
}

// ScanValues implements formdata.PageReader.
func (p *Page) ScanValues(ctx context.Context) ([]resolver.Field, error) {
	var out []resolver.Field
	if err := p.eval(ctx, scanValuesJS, &out); err != nil {
		return nil, fmt.Errorf("scan values: %w", err)
	}
	return out, nil
}

// FormFields implements formdata.FormWriter.
func (p *Page) FormFields(ctx context.Context, formRef string) ([]resolver.Field, error) {
	var out []resolver.Field
	if err := p.eval(ctx, formFieldsJS, &out, formRef); err != nil {
		return nil, fmt.Errorf("form fields %s: %w", formRef, err)
	}
	return out, nil
}

// SetValue implements formdata.FormWriter. It fires input and change.
func (p *Page) SetValue(ctx context.Context, ref, value string) error {
	if err := p.eval(ctx, setValueJS, nil, ref, value); err != nil {
		return fmt.Errorf("set %s: %w", ref, err)
	}
	return nil
}

// Activate exercises one element. With a value the element is filled
// instead. Links are checked without following them so the tab stays on
// the page under test.
func (p *Page) Activate(ctx context.Context, el Element, value string) Outcome {
	start := time.Now()
	out := Outcome{Ref: el.Ref, Category: el.Category, Text: el.Text}
	defer func() { out.DurationMs = time.Since(start).Milliseconds() }()

	if value != "" {
		if err := p.SetValue(ctx, el.Ref, value); err != nil {
			out.Error = err.Error()
			return out
		}
		out.OK, out.Detail = true, "filled"
		return out
	}

	switch el.Category {
	case "links":
		var res struct {
			OK     bool   `json:"ok"`
			Detail string `json:"detail"`
		}
		if err := p.eval(ctx, checkLinkJS, &res, el.Ref); err != nil {
			out.Error = err.Error()
			return out
		}
		out.OK, out.Detail = res.OK, res.Detail
		if !res.OK {
			out.Error = res.Detail
		}
		return out
	default:
		node, err := p.page.Context(ctx).Timeout(p.timeout).Element(`[` + RefAttr + `="` + el.Ref + `"]`)
		if err != nil {
			out.Error = fmt.Sprintf("element %s not found: %v", el.Ref, err)
			return out
		}
		_ = node.ScrollIntoView()
		if err := node.Click("left", 1); err != nil {
			out.Error = err.Error()
			return out
		}
		out.OK, out.Detail = true, "clicked"
		return out
	}
}

const discoverJS = `(limit) => {
	const attr = '` + RefAttr + `';
	let seq = window.__qapilotRefSeq || 0;
	const ref = (el) => {
		let r = el.getAttribute(attr);
		if (!r) { r = 'q' + (++seq); el.setAttribute(attr, r); }
		return r;
	};
	const visible = (el) => {
		const s = getComputedStyle(el);
		const box = el.getBoundingClientRect();
		return s.display !== 'none' && s.visibility !== 'hidden' && box.width > 0 && box.height > 0;
	};
	const text = (el) => (el.innerText || el.value || el.getAttribute('aria-label') || el.title || '').trim().slice(0, 80);
	const out = [];
	document.querySelectorAll('button, input[type=button], [role=button], a[href], form').forEach((el) => {
		const tag = el.tagName.toLowerCase();
		if (tag === 'form') {
			out.push({ ref: ref(el), category: 'forms', tag, text: (el.getAttribute('name') || el.id || el.getAttribute('action') || '').slice(0, 80) });
			return;
		}
		if (!visible(el)) return;
		if (tag === 'a') {
			out.push({ ref: ref(el), category: 'links', tag, text: text(el), href: el.getAttribute('href') || '' });
			return;
		}
		if (el.disabled) return;
		if (el.form && el.type === 'submit') return;
		out.push({ ref: ref(el), category: 'buttons', tag, text: text(el) });
	});
	window.__qapilotRefSeq = seq;
	return out.slice(0, limit);
}`

const helpersJS = `const __attr = '` + RefAttr + `';
const __ref = (el) => {
	let seq = window.__qapilotRefSeq || 0;
	let r = el.getAttribute(__attr);
	if (!r) { r = 'q' + (++seq); el.setAttribute(__attr, r); window.__qapilotRefSeq = seq; }
	return r;
};
const __describe = (el) => {
	const tag = el.tagName.toLowerCase();
	const type = (el.getAttribute('type') || '').toLowerCase();
	let label = '';
	if (el.labels && el.labels.length) label = el.labels[0].innerText;
	else if (el.getAttribute('aria-label')) label = el.getAttribute('aria-label');
	else { const l = el.closest('label'); if (l) label = l.innerText; }
	const style = getComputedStyle(el);
	let value = el.value || '';
	if (type === 'checkbox' || type === 'radio') value = el.checked ? 'true' : '';
	if (type === 'password') value = '';
	return {
		ref: __ref(el), tag, type,
		name: el.getAttribute('name') || '', id: el.id || '',
		label: (label || '').trim().slice(0, 120),
		placeholder: el.getAttribute('placeholder') || '',
		autocomplete: el.getAttribute('autocomplete') || '',
		value,
		options: tag === 'select' ? Array.from(el.options).map((o) => o.value) : undefined,
		hidden: type === 'hidden' || style.visibility === 'hidden' || el.getClientRects().length === 0,
		readOnly: !!el.readOnly, disabled: !!el.disabled,
	};
};
`

// helpersJS is spliced into the bodies below.
const scanValuesJS = `() => {
` + helpersJS + `
	const out = [];
	document.querySelectorAll('input, select, textarea').forEach((el) => {
		const f = __describe(el);
		if (f.value) out.push(f);
	});
	document.querySelectorAll('[data-field], [data-name], [itemprop], output').forEach((el) => {
		const key = el.getAttribute('data-field') || el.getAttribute('data-name') || el.getAttribute('itemprop') || el.getAttribute('name') || el.id || '';
		const value = (el.tagName === 'OUTPUT' ? el.value : el.innerText || '').trim().slice(0, 500);
		if (!value) return;
		out.push({ ref: __ref(el), tag: el.tagName.toLowerCase(), type: 'text', name: key, value });
	});
	return out;
}`

const formFieldsJS = `(formRef) => {
` + helpersJS + `
	const form = document.querySelector('[' + __attr + '="' + formRef + '"]');
	if (!form) throw new Error('form ' + formRef + ' not found');
	return Array.from(form.querySelectorAll('input, select, textarea')).map(__describe);
}`

const setValueJS = `(ref, value) => {
	const el = document.querySelector('[` + RefAttr + `="' + ref + '"]');
	if (!el) throw new Error('element ' + ref + ' not found');
	const type = (el.getAttribute('type') || '').toLowerCase();
	if (type === 'checkbox' || type === 'radio') {
		el.checked = value === 'true';
	} else if (el.tagName === 'SELECT') {
		const opts = Array.from(el.options);
		const opt = opts.find((o) => o.value === value) || opts.find((o) => o.value !== '' && o.text === value);
		if (!opt) throw new Error('option ' + value + ' not found');
		el.value = opt.value;
	} else {
		const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		Object.getOwnPropertyDescriptor(proto, 'value').set.call(el, value);
	}
	el.dispatchEvent(new Event('input', { bubbles: true }));
	el.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

const checkLinkJS = `(ref) => {
	const el = document.querySelector('[` + RefAttr + `="' + ref + '"]');
	if (!el) return { ok: false, detail: 'link ' + ref + ' not found' };
	const raw = (el.getAttribute('href') || '').trim();
	if (!raw) return { ok: false, detail: 'empty href' };
	if (raw === '#') return { ok: true, detail: 'placeholder anchor' };
	if (raw.startsWith('#')) {
		const id = decodeURIComponent(raw.slice(1));
		return document.getElementById(id) || document.getElementsByName(id).length
			? { ok: true, detail: 'anchor ' + raw }
			: { ok: false, detail: 'missing anchor target ' + raw };
	}
	if (/^javascript:/i.test(raw)) return { ok: true, detail: 'script link' };
	try {
		const u = new URL(el.href);
		if (!['http:', 'https:', 'mailto:', 'tel:'].includes(u.protocol)) return { ok: false, detail: 'unsupported scheme ' + u.protocol };
		return { ok: true, detail: u.href };
	} catch (e) {
		return { ok: false, detail: 'malformed href ' + raw };
	}
}`

// ParseRef validates a ref handed back by a caller.
func ParseRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if len(ref) < 2 || ref[0] != 'q' {
		return "", fmt.Errorf("invalid element ref %q", ref)
	}
	for _, r := range ref[1:] {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid element ref %q", ref)
		}
	}
	return ref, nil
}
