package safefetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/html/charset"
)

const chunkSize = 32 << 10

// Result is the outcome of a successful fetch.
type Result struct {
	URL         string   // final URL after redirects
	Body        string   // decoded text; invalid sequences become U+FFFD
	ContentType string
	StatusCode  int
	Redirects   []string // redirect targets followed, in order
}

// Fetcher performs guarded fetches. It holds no per-call state and is safe
// for concurrent use.
type Fetcher struct {
	cfg       Config
	validator *Validator
	client    *http.Client
	log       zerolog.Logger
	metrics   *Metrics

	resolver  Resolver
	transport http.RoundTripper
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithResolver replaces the DNS resolver used by validation and dialing.
func WithResolver(r Resolver) Option { return func(f *Fetcher) { f.resolver = r } }

// WithTransport replaces the guarded transport. Validation still runs on
// every hop; only the connect-time re-check is lost.
func WithTransport(rt http.RoundTripper) Option { return func(f *Fetcher) { f.transport = rt } }

// WithLogger sets the logger used for hop-level debug events.
func WithLogger(l zerolog.Logger) Option { return func(f *Fetcher) { f.log = l } }

// WithMetrics records fetch outcomes on m.
func WithMetrics(m *Metrics) Option { return func(f *Fetcher) { f.metrics = m } }

// New validates cfg and returns a Fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Fetcher{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	f.validator = NewValidator(f.resolver)
	if f.transport == nil {
		f.transport = newGuardedTransport(f.validator.resolver)
	}
	f.client = &http.Client{
		Transport: f.transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f, nil
}

// Config returns the fetcher-wide limits.
func (f *Fetcher) Config() Config { return f.cfg }

// Validate runs the URL rules without fetching.
func (f *Fetcher) Validate(ctx context.Context, rawURL string) Verdict {
	return f.validator.Validate(ctx, rawURL)
}

// Get fetches rawURL with the default limits.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (*Result, error) {
	return f.Fetch(ctx, Request{URL: rawURL})
}

// fetchState is owned by one Fetch call.
type fetchState struct {
	current   *url.URL
	visited   map[string]struct{}
	redirects []string
}

func (s *fetchState) visit(u *url.URL) {
	s.visited[visitKey(u)] = struct{}{}
}

func (s *fetchState) seen(u *url.URL) bool {
	_, ok := s.visited[visitKey(u)]
	return ok
}

func visitKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// Fetch retrieves req.URL, validating the origin and every redirect target
// before it is dialed. All failures are *Error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	defer func() { f.metrics.observe(err, time.Since(start)) }()

	limits := f.cfg.with(req)
	rawURL := strings.TrimSpace(req.URL)

	if err := ctx.Err(); err != nil {
		return nil, newError(KindCancelled, rawURL, err)
	}
	if err := f.validate(ctx, rawURL, KindUnsafeURL, limits); err != nil {
		return nil, err
	}
	origin, err := url.Parse(rawURL)
	if err != nil {
		return nil, unsafeError(KindUnsafeURL, rawURL, deny(ReasonInvalidURL, "URL could not be parsed"))
	}

	st := &fetchState{current: origin, visited: make(map[string]struct{})}
	st.visit(origin)

	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindCancelled, st.current.String(), err)
		}

		out, err := f.hop(ctx, st.current, limits, len(st.redirects) > 0)
		if err != nil {
			return nil, err
		}
		if !out.redirect {
			return &Result{
				URL:         st.current.String(),
				Body:        decodeBody(out.body, out.contentType),
				ContentType: out.contentType,
				StatusCode:  out.status,
				Redirects:   st.redirects,
			}, nil
		}

		next, err := f.followRedirect(ctx, st, out.location, limits)
		if err != nil {
			return nil, err
		}
		st.redirects = append(st.redirects, next.String())
		st.visit(next)
		st.current = next
	}
}

// validate runs the URL rules with DNS resolution bounded by the hop timeout.
// A rejection is reported as kind.
func (f *Fetcher) validate(ctx context.Context, rawURL string, kind Kind, limits Config) error {
	vctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()
	v := f.validator.Validate(vctx, rawURL)
	if v.Safe {
		return nil
	}
	if ctx.Err() != nil {
		return newError(KindCancelled, rawURL, ctx.Err())
	}
	if errors.Is(vctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, rawURL, vctx.Err())
	}
	return unsafeError(kind, rawURL, v)
}

// followRedirect applies the redirect rules to a Location value and returns
// the validated next hop.
func (f *Fetcher) followRedirect(ctx context.Context, st *fetchState, location string, limits Config) (*url.URL, error) {
	from := st.current.String()
	if len(st.redirects) >= limits.MaxRedirects {
		return nil, newError(KindTooManyRedirects, from, nil)
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, newError(KindMissingLocation, from, nil)
	}
	next, err := st.current.Parse(location)
	if err != nil {
		v := deny(ReasonInvalidURL, "redirect location could not be parsed")
		return nil, unsafeError(KindUnsafeRedirectTarget, location, v)
	}
	if st.seen(next) {
		return nil, newError(KindRedirectLoop, next.String(), nil)
	}
	if err := f.validate(ctx, next.String(), KindUnsafeRedirectTarget, limits); err != nil {
		return nil, err
	}
	f.log.Debug().
		Str("from", from).
		Str("to", next.String()).
		Int("redirect", len(st.redirects)+1).
		Msg("following redirect")
	return next, nil
}

type hopOutcome struct {
	status      int
	redirect    bool
	location    string
	contentType string
	body        []byte
}

// hop issues one request under its own timeout and, for a 2xx response,
// reads the body within the same deadline.
func (f *Fetcher) hop(ctx context.Context, u *url.URL, limits Config, isRedirect bool) (*hopOutcome, error) {
	hopCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	target := u.String()
	req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newError(KindConnectionError, target, err)
	}
	req.Header.Set("User-Agent", limits.UserAgent)
	req.Header.Set("Accept", limits.Accept)

	resp, err := f.client.Do(req)
	if err != nil {
		fe := classifyTransportError(ctx, target, err)
		if isRedirect && fe.Kind == KindUnsafeURL {
			fe.Kind = KindUnsafeRedirectTarget
		}
		f.log.Debug().Str("url", target).Str("kind", string(fe.Kind)).Err(err).Msg("fetch hop failed")
		return nil, fe
	}
	defer resp.Body.Close()

	f.log.Debug().Str("url", target).Int("status", resp.StatusCode).Msg("fetch hop")

	out := &hopOutcome{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type")}
	if isRedirectStatus(resp.StatusCode) {
		out.redirect = true
		out.location = resp.Header.Get("Location")
		_, _ = io.CopyN(io.Discard, resp.Body, chunkSize)
		return out, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindHTTPError, Status: resp.StatusCode, URL: target}
	}
	if resp.ContentLength > limits.MaxBytes {
		return nil, newError(KindTooLarge, target, nil)
	}

	out.body, err = readBounded(ctx, resp.Body, limits.MaxBytes)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			fe.URL = target
			return nil, fe
		}
		return nil, classifyTransportError(ctx, target, err)
	}
	return out, nil
}

// readBounded streams r in fixed-size chunks and fails as soon as the running
// total exceeds max, so a missing or lying Content-Length cannot bypass it.
func readBounded(ctx context.Context, r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindCancelled, "", err)
		}
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > max {
				return nil, newError(KindTooLarge, "", nil)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// decodeBody converts body to UTF-8, honoring a declared charset, and
// replaces undecodable sequences rather than failing.
func decodeBody(body []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if label := params["charset"]; label != "" {
			if enc, name := charset.Lookup(label); enc != nil && name != "utf-8" {
				if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
					body = decoded
				}
			}
		}
	}
	return strings.ToValidUTF8(string(body), "\uFFFD")
}
