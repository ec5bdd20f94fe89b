package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/agentworkforce/relayshare/internal/docstore"
	"github.com/agentworkforce/relayshare/internal/logging"
	"github.com/agentworkforce/relayshare/internal/replication"
	"github.com/agentworkforce/relayshare/internal/sharing"
)

// BulkDocsRequest is the body of POST /sharings/:id/_bulk_docs.
type BulkDocsRequest struct {
	Rule int                  `json:"rule"`
	Docs []*docstore.Document `json:"docs"`
}

type BulkDocsResponse struct {
	MissingContents []string `json:"missing_contents"`
	Stored          []string `json:"stored"`
}

// MembersUpdate is the body the owner pushes when the member list changes.
type MembersUpdate struct {
	Members []sharing.Member `json:"members"`
}

type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
}

// HTTPError is a non-2xx answer of a peer. It unwraps to the sharing error
// matching its status.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	kind       error
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.kind }

func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return sharing.ErrForbidden
	case status == http.StatusNotFound:
		return sharing.ErrNotFound
	case status == http.StatusGone:
		return sharing.ErrRevoked
	case status == http.StatusConflict:
		return sharing.ErrInvalidState
	case status == http.StatusTooManyRequests, status >= 500:
		return sharing.ErrPeerNotReady
	default:
		return sharing.ErrInvalidInput
	}
}

func transient(err error) bool {
	return errors.Is(err, sharing.ErrPeerNotReady)
}

type Options struct {
	HTTPClient *http.Client
	// MaxRetries bounds the retries of one call on transient failures.
	MaxRetries uint64
	NewBackOff func() backoff.BackOff
	// BreakerFailures consecutive transient failures open the breaker of a
	// peer for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          logging.Logger
}

// Client talks to the other instances of a sharing. It implements both the
// lifecycle and the replication transports.
type Client struct {
	http       *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
	failures   uint32
	timeout    time.Duration
	logger     logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.Multiplier = 2
			b.MaxElapsedTime = 10 * time.Second
			return b
		}
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Client{
		http:       opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		newBackOff: opts.NewBackOff,
		failures:   opts.BreakerFailures,
		timeout:    opts.BreakerTimeout,
		logger:     opts.Logger,
		breakers:   map[string]*gobreaker.CircuitBreaker{},
	}
}

func (c *Client) breaker(baseURL string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[baseURL]; ok {
		return cb
	}
	failures := c.failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Timeout:     c.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("peer breaker state changed", "peer", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !transient(err)
		},
	})
	c.breakers[baseURL] = cb
	return cb
}

type call struct {
	method  string
	baseURL string
	path    string
	// target is nil for calls authenticated by the invitation state.
	target      *sharing.Target
	contentType string
	body        []byte
	out         any
}

func jsonCall(method, baseURL, path string, target *sharing.Target, in, out any) (call, error) {
	cl := call{method: method, baseURL: strings.TrimRight(baseURL, "/"), path: path, target: target, out: out}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return call{}, err
		}
		cl.body = data
		cl.contentType = "application/json"
	}
	return cl, nil
}

// do runs cl with retries. A 401 refreshes the access token once through
// the client credentials of the target.
func (c *Client) do(ctx context.Context, cl call) error {
	err := c.retry(ctx, cl)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized || cl.target == nil || cl.target.ClientID == "" {
		return err
	}
	token, refreshErr := c.refresh(ctx, cl.baseURL, cl.target)
	if refreshErr != nil {
		return err
	}
	cl.target.Token = token
	if cl.target.Refreshed != nil {
		cl.target.Refreshed(token)
	}
	return c.retry(ctx, cl)
}

func (c *Client) refresh(ctx context.Context, baseURL string, target *sharing.Target) (string, error) {
	var out TokenResponse
	cl, err := jsonCall(http.MethodPost, baseURL, "/auth/access_token", nil, TokenRequest{
		ClientID:     target.ClientID,
		ClientSecret: target.ClientSecret,
	}, &out)
	if err != nil {
		return "", err
	}
	if err := c.retry(ctx, cl); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", sharing.ErrForbidden)
	}
	c.logger.Info("peer token refreshed", "peer", baseURL, "sharing", target.SharingID)
	return out.AccessToken, nil
}

func (c *Client) retry(ctx context.Context, cl call) error {
	cb := c.breaker(cl.baseURL)
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, c.send(ctx, cl)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", sharing.ErrPeerNotReady, cl.baseURL, err))
		case transient(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)
}

func (c *Client) send(ctx context.Context, cl call) error {
	var body io.Reader
	if cl.body != nil {
		body = bytes.NewReader(cl.body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, cl.baseURL+cl.path, body)
	if err != nil {
		return err
	}
	if cl.target != nil && cl.target.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.target.Token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json")
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", sharing.ErrPeerNotReady, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("%w: %v", sharing.ErrPeerNotReady, readErr)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if cl.out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, cl.out)
	}
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
		kind:       statusKind(resp.StatusCode),
	}
}

func sharingPath(sharingID string, parts ...string) string {
	path := "/sharings/" + url.PathEscape(sharingID)
	for _, part := range parts {
		path += "/" + url.PathEscape(part)
	}
	return path
}

func (c *Client) CreateSharing(ctx context.Context, instanceURL string, invitation *sharing.Sharing) error {
	cl, err := jsonCall(http.MethodPut, instanceURL, sharingPath(invitation.ID), nil, invitation, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, cl)
}

func (c *Client) Answer(ctx context.Context, instanceURL, sharingID string, answer sharing.Answer) (*sharing.Answer, error) {
	var out sharing.Answer
	cl, err := jsonCall(http.MethodPost, instanceURL, sharingPath(sharingID, "answer"), nil, answer, &out)
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, cl); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NotifyMembers(ctx context.Context, target sharing.Target, members []sharing.Member) error {
	cl, err := jsonCall(http.MethodPut, target.URL, sharingPath(target.SharingID, "recipients"), &target, MembersUpdate{Members: members}, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, cl)
}

func (c *Client) NotifyReadOnly(ctx context.Context, target sharing.Target, readOnly bool) error {
	method := http.MethodDelete
	if readOnly {
		method = http.MethodPost
	}
	cl, err := jsonCall(method, target.URL, sharingPath(target.SharingID, "recipients", "self", "readonly"), &target, nil, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, cl)
}

func (c *Client) NotifyRevoked(ctx context.Context, target sharing.Target) error {
	cl, err := jsonCall(http.MethodDelete, target.URL, sharingPath(target.SharingID), &target, nil, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, cl)
}

func (c *Client) NotifyLeft(ctx context.Context, target sharing.Target) error {
	cl, err := jsonCall(http.MethodDelete, target.URL, sharingPath(target.SharingID, "recipients", "self"), &target, nil, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, cl)
}

func (c *Client) RevsDiff(ctx context.Context, target sharing.Target, revs map[string][]string) (map[string][]string, error) {
	out := map[string][]string{}
	cl, err := jsonCall(http.MethodPost, target.URL, sharingPath(target.SharingID, "_revs_diff"), &target, revs, &out)
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, cl); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) BulkDocs(ctx context.Context, target sharing.Target, rule int, docs []*docstore.Document) (replication.BulkReply, error) {
	var out BulkDocsResponse
	cl, err := jsonCall(http.MethodPost, target.URL, sharingPath(target.SharingID, "_bulk_docs"), &target, BulkDocsRequest{Rule: rule, Docs: docs}, &out)
	if err != nil {
		return replication.BulkReply{}, err
	}
	if err := c.do(ctx, cl); err != nil {
		return replication.BulkReply{}, err
	}
	return replication.BulkReply{Missing: out.MissingContents, Stored: out.Stored}, nil
}

func (c *Client) PutContent(ctx context.Context, target sharing.Target, md5sum string, content []byte) error {
	cl := call{
		method:      http.MethodPut,
		baseURL:     strings.TrimRight(target.URL, "/"),
		path:        sharingPath(target.SharingID, docstore.DoctypeFiles, md5sum),
		target:      &target,
		contentType: "application/octet-stream",
		body:        content,
	}
	return c.do(ctx, cl)
}

func correlationID() string {
	return "peer_" + uuid.NewString()
}
