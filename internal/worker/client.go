// Package worker talks to the external conversion services.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docflow/backend/internal/tasktype"
)

// States reported by PollStatus.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// ErrUpstream wraps non-2xx answers from a worker service.
var ErrUpstream = errors.New("worker service error")

// Result is a conversion output. The caller closes Body.
type Result struct {
	Filename string
	Body     io.ReadCloser
}

// Submission is what a worker answers to a submit: an inline Result for
// synchronous services, otherwise a Handle to track the job by.
type Submission struct {
	Handle string
	Result *Result
}

type Status struct {
	State    string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// File is the uploaded input handed to Submit. TaskID, when set, is added
// to the callback URL so a callback can name its task.
type File struct {
	Name   string
	Body   io.Reader
	TaskID string
}

type Client interface {
	Submit(ctx context.Context, kind tasktype.Kind, file File, params json.RawMessage) (*Submission, error)
	PollStatus(ctx context.Context, handle string) (*Status, error)
	FetchResult(ctx context.Context, handle string) (*Result, error)
}

// HTTPClient is a Client for a worker service speaking the
// /tasks, /tasks/{id}, /tasks/{id}/result protocol.
type HTTPClient struct {
	BaseURL     string
	CallbackURL string
	http        *http.Client
	limiter     *rate.Limiter
}

// HTTPOptions tune an HTTPClient. Conversions can take minutes before the
// first response byte, so header and overall timeouts are generous and
// separate from the dial timeout.
type HTTPOptions struct {
	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	RequestTimeout        time.Duration
	RequestsPerSecond     float64
	Burst                 int
}

func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		DialTimeout:           10 * time.Second,
		ResponseHeaderTimeout: 5 * time.Minute,
		RequestTimeout:        10 * time.Minute,
		RequestsPerSecond:     10,
		Burst:                 20,
	}
}

func NewHTTPClient(baseURL, callbackURL string, opts HTTPOptions) *HTTPClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.DialTimeout}).DialContext,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		CallbackURL: callbackURL,
		http:        &http.Client{Transport: transport, Timeout: opts.RequestTimeout},
		limiter:     rate.NewLimiter(limit, burst),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, kind tasktype.Kind, file File, params json.RawMessage) (*Submission, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeSubmitForm(mw, kind, file, params, c.callbackFor(file.TaskID))
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tasks", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit to worker: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusAccepted {
		defer resp.Body.Close()
		var body struct {
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode submit response: %w", err)
		}
		if body.TaskID == "" {
			return nil, fmt.Errorf("%w: accepted without task_id", ErrUpstream)
		}
		return &Submission{Handle: body.TaskID}, nil
	}
	return &Submission{Result: &Result{Filename: resultFilename(resp), Body: resp.Body}}, nil
}

func (c *HTTPClient) callbackFor(taskID string) string {
	if c.CallbackURL == "" || taskID == "" {
		return c.CallbackURL
	}
	u, err := url.Parse(c.CallbackURL)
	if err != nil {
		return c.CallbackURL
	}
	q := u.Query()
	q.Set("task_id", taskID)
	u.RawQuery = q.Encode()
	return u.String()
}

func writeSubmitForm(mw *multipart.Writer, kind tasktype.Kind, file File, params json.RawMessage, callback string) error {
	if err := mw.WriteField("task_type", string(kind)); err != nil {
		return err
	}
	if len(params) > 0 {
		if err := mw.WriteField("params", string(params)); err != nil {
			return err
		}
	}
	if callback != "" {
		if err := mw.WriteField("callback_url", callback); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", file.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file.Body)
	return err
}

func (c *HTTPClient) PollStatus(ctx context.Context, handle string) (*Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tasks/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll worker: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func (c *HTTPClient) FetchResult(ctx context.Context, handle string) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tasks/"+url.PathEscape(handle)+"/result", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return &Result{Filename: resultFilename(resp), Body: resp.Body}, nil
}

// checkStatus closes the body and returns ErrUpstream for non-2xx responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
}

func resultFilename(resp *http.Response) string {
	if name := resp.Header.Get("X-Result-Filename"); name != "" {
		return name
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return ""
}
