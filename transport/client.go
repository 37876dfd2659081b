package transport

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ruteri/fedinbox/common"
	"github.com/ruteri/fedinbox/httpsig"
	"github.com/ruteri/fedinbox/interfaces"
	"github.com/ruteri/fedinbox/metrics"
)

const (
	// DeliveryAccept is the Accept header sent with deliveries.
	DeliveryAccept = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	DefaultTimeout = 10 * time.Second

	// maxErrorBody bounds the response body kept in a DeliveryError.
	maxErrorBody = 512
)

// Config controls the outbound HTTP client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Client performs the outbound federation requests: a single redirect-free
// GET for actor documents and signed POSTs to remote inboxes.
type Client struct {
	http    *resty.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a transport client. m may be nil.
func NewClient(cfg Config, log *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = fmt.Sprintf("%s/%s", common.PackageName, common.Version)
	}

	r := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("User-Agent", userAgent)

	return &Client{
		http:    r,
		log:     log,
		metrics: m,
	}
}

// FetchActor GETs an actor document. Non-2xx responses, redirects and
// transport failures are reported as *interfaces.ActorFetchError.
func (c *Client) FetchActor(ctx context.Context, uri string) ([]byte, error) {
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", interfaces.ActivityJSONType).
		Get(uri)
	if err != nil {
		c.metrics.ObserveActorFetch(metrics.ResultError)
		return nil, &interfaces.ActorFetchError{URL: uri, Err: err}
	}

	if !resp.IsSuccess() {
		c.metrics.ObserveActorFetch(metrics.ResultRejected)
		return nil, &interfaces.ActorFetchError{
			URL:        uri,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}

	c.metrics.ObserveActorFetch(metrics.ResultOK)
	c.log.Debug("Fetched remote actor",
		slog.String("url", uri),
		slog.Int("size", len(resp.Body())),
		slog.Duration("duration", time.Since(start)))

	return resp.Body(), nil
}

// Deliver signs activity as from and POSTs it to the inbox of to.
func (c *Client) Deliver(ctx context.Context, from *interfaces.Actor, key *rsa.PrivateKey, to *interfaces.Actor, activity any) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("encoding activity: %w", err)
	}

	signed, err := c.signedRequest(ctx, to.Inbox, body, key, from.KeyID())
	if err != nil {
		return &interfaces.DeliveryError{Inbox: to.Inbox, Err: err}
	}

	start := time.Now()
	req := c.http.R().
		SetContext(ctx).
		SetBody(body)
	for name, values := range signed.Header {
		if len(values) > 0 {
			req.SetHeader(name, values[0])
		}
	}

	resp, err := req.Post(to.Inbox)
	if err != nil {
		c.metrics.ObserveDelivery(metrics.ResultError)
		c.log.Warn("Delivery failed", slog.String("inbox", to.Inbox), "err", err)
		return &interfaces.DeliveryError{Inbox: to.Inbox, Err: err}
	}

	if !resp.IsSuccess() {
		c.metrics.ObserveDelivery(metrics.ResultRejected)
		respBody := resp.Body()
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		c.log.Warn("Delivery rejected",
			slog.String("inbox", to.Inbox),
			slog.Int("status", resp.StatusCode()))
		return &interfaces.DeliveryError{
			Inbox:      to.Inbox,
			StatusCode: resp.StatusCode(),
			Body:       string(respBody),
		}
	}

	c.metrics.ObserveDelivery(metrics.ResultOK)
	c.log.Info("Delivered activity",
		slog.String("from", from.ID),
		slog.String("inbox", to.Inbox),
		slog.Int("status", resp.StatusCode()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// signedRequest builds the POST that would be sent to inbox and signs it.
// Only its headers are used; resty sends the body.
func (c *Client) signedRequest(ctx context.Context, inbox string, body []byte, key *rsa.PrivateKey, keyID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", interfaces.ActivityJSONType)
	req.Header.Set("Accept", DeliveryAccept)

	if err := httpsig.Sign(req, body, key, keyID); err != nil {
		return nil, err
	}
	// The Host header is implied by the URL.
	req.Header.Del(httpsig.HostHeader)
	return req, nil
}
