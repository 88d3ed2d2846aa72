package ficapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Credentials identify one remote company. The value is immutable; build a
// new Client when tokens rotate.
type Credentials struct {
	AccessToken string
	CompanyId   int64
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.New("fic access token is empty")
	}
	if c.CompanyId <= 0 {
		return errors.New("fic company id is required")
	}
	return nil
}

type Options struct {
	BaseURL         string
	RateLimitPerMin int
	Timeout         time.Duration
	RetryCount      int
	RetryWait       time.Duration
	HTTPClient      *http.Client
	Logger          *logrus.Logger
}

// Factory builds per-account clients. Rate limiters are kept per company so
// that every client for the same company shares one budget.
type Factory struct {
	opts     Options
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewFactory(opts Options) *Factory {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api-v2.fattureincloud.it"
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 60
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Factory{opts: opts, limiters: map[int64]*rate.Limiter{}}
}

func (f *Factory) limiterFor(companyId int64) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[companyId]
	if !ok {
		every := time.Minute / time.Duration(f.opts.RateLimitPerMin)
		burst := f.opts.RateLimitPerMin / 10
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Every(every), burst)
		f.limiters[companyId] = l
	}
	return l
}

// ForAccount returns a client bound to creds.
func (f *Factory) ForAccount(creds Credentials) (*Client, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	rc := resty.NewWithClient(f.opts.HTTPClient).
		SetBaseURL(f.opts.BaseURL).
		SetTimeout(f.opts.Timeout).
		SetAuthToken(creds.AccessToken).
		SetHeader("Accept", "application/json").
		SetRetryCount(f.opts.RetryCount).
		SetRetryWaitTime(f.opts.RetryWait).
		SetRetryMaxWaitTime(8 * f.opts.RetryWait).
		AddRetryCondition(retryTransient)

	return &Client{
		creds:   creds,
		rest:    rc,
		limiter: f.limiterFor(creds.CompanyId),
		logger:  f.opts.Logger,
	}, nil
}

// retryTransient retries network failures and 5xx for non-POST calls only;
// a retried POST could register a second subscription.
func retryTransient(r *resty.Response, err error) bool {
	if r != nil && r.Request != nil && r.Request.Method == http.MethodPost {
		return false
	}
	if err != nil {
		return true
	}
	return r != nil && r.StatusCode() >= 500
}

// Client talks to the remote API on behalf of one company.
type Client struct {
	creds   Credentials
	rest    *resty.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func (c *Client) CompanyId() int64 { return c.creds.CompanyId }

func (c *Client) companyPath(format string, args ...any) string {
	return fmt.Sprintf("/c/%d", c.creds.CompanyId) + fmt.Sprintf(format, args...)
}

// do executes req and decodes a 2xx body into out (may be nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: ErrTransient, Op: op, Message: err.Error()}
	}
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return &APIError{Kind: ErrTransient, Op: op, Message: ctx.Err().Error()}
		}
		c.logger.WithFields(logrus.Fields{
			"company_id": c.creds.CompanyId,
			"op":         op,
		}).WithError(err).Warn("fic request failed")
		return &APIError{Kind: ErrTransient, Op: op, Message: err.Error()}
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		apiErr := newStatusError(op, resp.StatusCode(), resp.Header(), resp.Body())
		c.logger.WithFields(logrus.Fields{
			"company_id": c.creds.CompanyId,
			"op":         op,
			"status":     resp.StatusCode(),
		}).Warn("fic request rejected")
		return apiErr
	}
	return nil
}
