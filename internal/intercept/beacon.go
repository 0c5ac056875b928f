package intercept

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Beacon is a fire-and-forget send primitive. Send reports whether the
// payload was queued, never whether it arrived.
type Beacon interface {
	Send(url, contentType string, body []byte) bool
}

// HTTPBeacon posts payloads on a detached goroutine.
type HTTPBeacon struct {
	Client  *http.Client
	Timeout time.Duration
}

func (b *HTTPBeacon) Send(url, contentType string, body []byte) bool {
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	payload := append([]byte(nil), body...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			log.Debug().Err(err).Str("component", "beacon").Msg("build request")
			return
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("component", "beacon").Str("url", url).Msg("send failed")
			return
		}
		_ = resp.Body.Close()
	}()
	return true
}

// Beacon wraps base; beacons carry no reply, so only the user side is captured.
func (i *Interceptor) Beacon(base Beacon) Beacon {
	if bt, ok := base.(*beaconTap); ok && bt.ic == i {
		return bt
	}
	return &beaconTap{base: base, ic: i}
}

type beaconTap struct {
	base Beacon
	ic   *Interceptor
}

func (b *beaconTap) Send(url, contentType string, body []byte) bool {
	if !b.ic.excl.ExcludedString(url) && int64(len(body)) <= b.ic.maxBody {
		b.ic.observeRequest(body, CaptureBeacon)
	}
	return b.base.Send(url, contentType, body)
}
