package uplink

import (
	"context"
	"net/http"
)

// ResponseEvent pairs an asynchronous outcome of a sent request with the
// correlation tag of that request. Either Response or Err is set.
type ResponseEvent struct {
	Tag      CorrelationTag
	Response *http.Response
	Err      error
}

// Transport sends protocol requests and delivers their outcomes
// asynchronously on the Responses channel. From the protocol's point of
// view a transport is a pass-through capability, not shared state.
type Transport interface {
	Send(ctx context.Context, tag CorrelationTag, req *http.Request) error
	Responses() <-chan ResponseEvent
}

// HTTPTransport performs requests over an injected *http.Client, one
// goroutine per request. Responses arrive in completion order, possibly
// long after Send returned.
type HTTPTransport struct {
	client *http.Client
	events chan ResponseEvent
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		client: client,
		events: make(chan ResponseEvent, 16),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, tag CorrelationTag, req *http.Request) error {
	req = req.WithContext(ctx)
	go func() {
		resp, err := t.client.Do(req)
		select {
		case t.events <- ResponseEvent{Tag: tag, Response: resp, Err: err}:
		case <-ctx.Done():
			// Nobody is consuming anymore; drop the outcome instead of
			// leaking this goroutine.
			if resp != nil {
				resp.Body.Close()
			}
		}
	}()
	return nil
}

func (t *HTTPTransport) Responses() <-chan ResponseEvent {
	return t.events
}
