package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const DefaultHTTPSinkTries = 3

// Client is satisfied by both *http.Client and *pester.Client.
type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

func MakePesterClient(tries int) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.LogHook = func(e pester.ErrEntry) {
		log.Debugf("Retrying log post after failed attempt: %+v", e)
	}
	return client
}

// HTTPSink posts each line as JSON to a collector URL, at most RatePerSec lines per second.
type HTTPSink struct {
	url     string
	client  Client
	limiter *rate.Limiter
}

func NewHTTPSink(url string, client Client, ratePerSec, burst int) *HTTPSink {
	if client == nil {
		client = MakePesterClient(DefaultHTTPSinkTries)
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &HTTPSink{url: url, client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (s *HTTPSink) Write(ctx context.Context, line LogLine) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(line)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting log line to %s", s.url)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("posting log line to %s: %s", s.url, resp.Status)
	}
	return nil
}
