package intercept

import (
	"net/http"
	"sync"
)

// Transports bundles the send primitives of one capture host. Nil fields are
// left alone by Install.
type Transports struct {
	HTTP    *http.Client
	Beacon  Beacon
	Sockets SocketDialer
}

// Restore puts back the primitives replaced by Install. Calling it more than
// once is harmless.
type Restore func()

// Install swaps every primitive in t for an observing wrapper.
func (i *Interceptor) Install(t *Transports) Restore {
	if t == nil {
		return func() {}
	}
	var (
		httpClient    = t.HTTP
		origTransport http.RoundTripper
		origBeacon    = t.Beacon
		origSockets   = t.Sockets
	)
	if httpClient != nil {
		origTransport = httpClient.Transport
		httpClient.Transport = i.RoundTripper(origTransport)
	}
	if origBeacon != nil {
		t.Beacon = i.Beacon(origBeacon)
	}
	if origSockets != nil {
		t.Sockets = i.SocketDialer(origSockets)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if httpClient != nil {
				httpClient.Transport = origTransport
			}
			t.Beacon = origBeacon
			t.Sockets = origSockets
		})
	}
}
