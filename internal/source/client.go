package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	logx "postbridge/pkg/logx"
)

const (
	DefaultBaseURL          = "https://api.twitter.com/2"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultAuthorRetries    = 2
	DefaultAuthorRetryDelay = 5 * time.Second

	maxBody = 1 << 20
)

type Config struct {
	BaseURL        string
	BearerToken    string
	RequestTimeout time.Duration

	QuotaFloorWait    time.Duration
	QuotaSafetyMargin time.Duration

	// AuthorRetries bounds FetchAuthor retries; values above 2 are clamped.
	AuthorRetries    int
	AuthorRetryDelay time.Duration

	// Optional hooks, mainly for tests.
	HTTPClient *http.Client
	Sleep      func(ctx context.Context, d time.Duration) error
	Now        func() time.Time
}

// Client talks to the posts API. FetchAuthor and FetchRecent are meant to be
// called from a single goroutine; Budget may be read concurrently.
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client

	mu     sync.Mutex
	budget RateBudget
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.QuotaFloorWait <= 0 {
		cfg.QuotaFloorWait = DefaultQuotaFloorWait
	}
	if cfg.QuotaSafetyMargin < 0 {
		cfg.QuotaSafetyMargin = 0
	}
	if cfg.AuthorRetries < 0 {
		cfg.AuthorRetries = 0
	}
	if cfg.AuthorRetries > DefaultAuthorRetries {
		cfg.AuthorRetries = DefaultAuthorRetries
	}
	if cfg.AuthorRetryDelay <= 0 {
		cfg.AuthorRetryDelay = DefaultAuthorRetryDelay
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "source")), http: hc}
}

// Budget returns the last observed rate budget.
func (c *Client) Budget() RateBudget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// FetchAuthor resolves handle. Transient failures and quota exhaustion are
// retried up to AuthorRetries times; a quota failure sleeps QuotaWait before
// the next attempt, any other failure sleeps AuthorRetryDelay. All waits go
// through Config.Sleep.
func (c *Client) FetchAuthor(ctx context.Context, handle string) (Author, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return Author{}, errors.New("source: empty handle")
	}
	retries := c.cfg.AuthorRetries

	policy := retrypolicy.NewBuilder[Author]().
		HandleIf(func(_ Author, err error) bool { return Retryable(err) }).
		WithMaxRetries(retries).
		ReturnLastFailure().
		Build()

	attempt := 0
	waited := true
	return failsafe.With[Author](policy).WithContext(ctx).Get(func() (Author, error) {
		attempt++
		if !waited {
			if serr := c.cfg.Sleep(ctx, c.cfg.AuthorRetryDelay); serr != nil {
				return Author{}, serr
			}
		}
		waited = false
		a, err := c.getAuthor(ctx, handle)
		if err == nil {
			return a, nil
		}
		var qe *QuotaError
		if errors.As(err, &qe) && attempt <= retries {
			c.log.Warn("quota exhausted resolving author; waiting",
				logx.String("handle", handle),
				logx.Int("attempt", attempt),
				logx.Duration("wait", qe.Wait),
			)
			if serr := c.cfg.Sleep(ctx, qe.Wait); serr != nil {
				return Author{}, serr
			}
			waited = true
		} else if Retryable(err) {
			c.log.Warn("author lookup failed", logx.String("handle", handle), logx.Int("attempt", attempt), logx.Err(err))
		}
		return Author{}, err
	})
}

type userResponse struct {
	Data *struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		Username        string `json:"username"`
		ProfileImageURL string `json:"profile_image_url"`
		Verified        bool   `json:"verified"`
		PublicMetrics   struct {
			Followers int `json:"followers_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Errors []apiProblem `json:"errors"`
}

type apiProblem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func (c *Client) getAuthor(ctx context.Context, handle string) (Author, error) {
	q := url.Values{}
	q.Set("user.fields", "profile_image_url,verified,public_metrics")
	body, err := c.get(ctx, "fetch_author", "/users/by/username/"+url.PathEscape(handle), q)
	if err != nil {
		return Author{}, err
	}
	var resp userResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Author{}, &APIError{Op: "fetch_author", Err: fmt.Errorf("%w: decode: %v", ErrTransient, err)}
	}
	if resp.Data == nil || resp.Data.ID == "" {
		// The API answers 200 with an errors array for unknown handles.
		detail := "user not found"
		if len(resp.Errors) > 0 && resp.Errors[0].Detail != "" {
			detail = resp.Errors[0].Detail
		}
		return Author{}, &APIError{Op: "fetch_author", Status: http.StatusNotFound, Body: detail}
	}
	d := resp.Data
	return Author{
		ID:          d.ID,
		DisplayName: d.Name,
		Handle:      d.Username,
		AvatarURL:   d.ProfileImageURL,
		Verified:    d.Verified,
		Followers:   d.PublicMetrics.Followers,
	}, nil
}

type tweetsResponse struct {
	Data []struct {
		ID              string    `json:"id"`
		Text            string    `json:"text"`
		CreatedAt       time.Time `json:"created_at"`
		AuthorID        string    `json:"author_id"`
		InReplyToUserID string    `json:"in_reply_to_user_id"`
		Referenced      []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"referenced_tweets"`
		Attachments struct {
			MediaKeys []string `json:"media_keys"`
		} `json:"attachments"`
		PublicMetrics *struct {
			Retweets int `json:"retweet_count"`
			Replies  int `json:"reply_count"`
			Likes    int `json:"like_count"`
			Quotes   int `json:"quote_count"`
		} `json:"public_metrics"`
	} `json:"data"`
	Includes struct {
		Media []struct {
			Key        string `json:"media_key"`
			Type       string `json:"type"`
			URL        string `json:"url"`
			PreviewURL string `json:"preview_image_url"`
			Width      int    `json:"width"`
			Height     int    `json:"height"`
		} `json:"media"`
	} `json:"includes"`
}

// FetchRecent returns up to maxCount recent original posts of authorID,
// newest-first. On quota exhaustion it sleeps once for the computed wait and
// returns an empty batch with a *QuotaError.
func (c *Client) FetchRecent(ctx context.Context, authorID string, maxCount int) (Batch, error) {
	if strings.TrimSpace(authorID) == "" {
		return Batch{}, errors.New("source: empty author id")
	}
	// The API accepts 5..100.
	n := maxCount
	if n < 5 {
		n = 5
	}
	if n > 100 {
		n = 100
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(n))
	q.Set("tweet.fields", "created_at,text,author_id,public_metrics,attachments,in_reply_to_user_id,referenced_tweets")
	q.Set("expansions", "attachments.media_keys")
	q.Set("media.fields", "type,url,preview_image_url,width,height")
	q.Set("exclude", "replies,retweets")

	body, err := c.get(ctx, "fetch_recent", "/users/"+url.PathEscape(authorID)+"/tweets", q)
	if err != nil {
		var qe *QuotaError
		if errors.As(err, &qe) {
			c.log.Warn("quota exhausted polling; backing off", logx.Duration("wait", qe.Wait))
			_ = c.cfg.Sleep(ctx, qe.Wait)
		}
		return Batch{}, err
	}

	var resp tweetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Batch{}, &APIError{Op: "fetch_recent", Err: fmt.Errorf("%w: decode: %v", ErrTransient, err)}
	}

	items := make([]Item, 0, len(resp.Data))
	for _, d := range resp.Data {
		it := Item{
			ID:              d.ID,
			Text:            d.Text,
			CreatedAt:       d.CreatedAt,
			AuthorID:        d.AuthorID,
			InReplyToUserID: d.InReplyToUserID,
			MediaKeys:       d.Attachments.MediaKeys,
		}
		for _, r := range d.Referenced {
			it.Referenced = append(it.Referenced, Reference{Type: r.Type, ID: r.ID})
		}
		if pm := d.PublicMetrics; pm != nil {
			it.Metrics = &Metrics{Retweets: pm.Retweets, Replies: pm.Replies, Likes: pm.Likes, Quotes: pm.Quotes}
		}
		items = append(items, it)
	}
	media := make(MediaIndex, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		media[m.Key] = Media{Key: m.Key, Type: m.Type, URL: m.URL, PreviewURL: m.PreviewURL, Width: m.Width, Height: m.Height}
	}

	originals := Originals(items)
	if dropped := len(items) - len(originals); dropped > 0 {
		c.log.Debug("non-original posts skipped", logx.Int("count", dropped))
	}
	// Newest first; the request floor of 5 may return more than asked for.
	if maxCount > 0 && len(originals) > maxCount {
		originals = originals[:maxCount]
	}
	return Batch{Items: originals, Media: media}, nil
}

// get performs one GET and records the rate budget from whatever response
// came back. A 429 becomes a *QuotaError.
func (c *Client) get(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("User-Agent", "postbridge/1")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	defer resp.Body.Close()
	body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	now := c.cfg.Now()
	b, seen := parseBudget(resp.Header, now)
	if seen {
		c.mu.Lock()
		c.budget = b
		c.mu.Unlock()
	}

	if err := classify(op, resp.StatusCode, body); err != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			if !seen {
				b = RateBudget{}
			}
			wait := QuotaWait(b, now, c.cfg.QuotaSafetyMargin, c.cfg.QuotaFloorWait)
			return nil, &QuotaError{Budget: b, Wait: wait, Err: err}
		}
		return nil, err
	}
	if rerr != nil {
		return nil, &APIError{Op: op, Err: fmt.Errorf("%w: read body: %v", ErrTransient, rerr)}
	}
	return body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
