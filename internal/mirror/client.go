package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

var ErrConflict = errors.New("revision conflict")

type ConflictError struct {
	ID   string
	Code string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("%s for %s", strings.ReplaceAll(e.Code, "_", " "), e.ID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func isNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// RemoteFile is the answer of GET /files/:id.
type RemoteFile struct {
	Doc      *docstore.Document   `json:"doc"`
	Children []*docstore.Document `json:"children,omitempty"`
	Path     string               `json:"path,omitempty"`
}

type RemoteClient interface {
	Changes(ctx context.Context, since uint64, limit int) (docstore.ChangesFeed, error)
	GetFile(ctx context.Context, id string) (RemoteFile, error)
	Download(ctx context.Context, id string) ([]byte, error)
	CreateDir(ctx context.Context, parentID, name string) (*docstore.Document, error)
	Upload(ctx context.Context, parentID, name, contentType string, content []byte) (*docstore.Document, error)
	Overwrite(ctx context.Context, id, rev, contentType string, content []byte) (*docstore.Document, error)
	Trash(ctx context.Context, id, rev string) error
}

// HTTPClient talks to the files API of one instance.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

func (c *HTTPClient) Changes(ctx context.Context, since uint64, limit int) (docstore.ChangesFeed, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out docstore.ChangesFeed
	err := c.doJSON(ctx, http.MethodGet, "/data/"+docstore.DoctypeFiles+"/_changes?"+q.Encode(), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) GetFile(ctx context.Context, id string) (RemoteFile, error) {
	var out RemoteFile
	err := c.doJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *HTTPClient) Download(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/files/download/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) CreateDir(ctx context.Context, parentID, name string) (*docstore.Document, error) {
	q := url.Values{}
	q.Set("Type", docstore.TypeDirectory)
	q.Set("Name", name)
	var out RemoteFile
	err := c.doJSON(ctx, http.MethodPost, "/files/"+url.PathEscape(parentID)+"?"+q.Encode(), nil, nil, &out)
	return out.Doc, err
}

func (c *HTTPClient) Upload(ctx context.Context, parentID, name, contentType string, content []byte) (*docstore.Document, error) {
	q := url.Values{}
	q.Set("Type", docstore.TypeFile)
	q.Set("Name", name)
	headers := map[string]string{"Content-Type": contentType}
	payload, err := c.do(ctx, http.MethodPost, "/files/"+url.PathEscape(parentID)+"?"+q.Encode(), headers, content)
	if err != nil {
		return nil, err
	}
	return decodeFile(payload)
}

func (c *HTTPClient) Overwrite(ctx context.Context, id, rev, contentType string, content []byte) (*docstore.Document, error) {
	headers := map[string]string{"Content-Type": contentType, "If-Match": rev}
	payload, err := c.do(ctx, http.MethodPut, "/files/"+url.PathEscape(id), headers, content)
	if err != nil {
		return nil, err
	}
	return decodeFile(payload)
}

func (c *HTTPClient) Trash(ctx context.Context, id, rev string) error {
	_, err := c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), map[string]string{"If-Match": rev}, nil)
	return err
}

func decodeFile(payload []byte) (*docstore.Document, error) {
	var out RemoteFile
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	if out.Doc == nil {
		return nil, fmt.Errorf("response carries no document")
	}
	return out.Doc, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
	}
	payload, err := c.do(ctx, method, requestPath, headers, bodyBytes)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// do retries network failures, 429 and 5xx answers.
func (c *HTTPClient) do(ctx context.Context, method, requestPath string, headers map[string]string, body []byte) ([]byte, error) {
	var payload []byte
	op := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "mirror_"+uuid.NewString())
		for key, value := range headers {
			if value != "" {
				req.Header.Set(key, value)
			}
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			payload = data
			return nil
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return httpErr
		}
		if resp.StatusCode == http.StatusConflict && (errPayload.Code == "revision_conflict" || errPayload.Code == "name_conflict") {
			return backoff.Permanent(&ConflictError{ID: requestPath, Code: errPayload.Code})
		}
		return backoff.Permanent(httpErr)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return payload, nil
}
