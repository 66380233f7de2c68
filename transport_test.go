package uplink

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// closeTrackingBody flags when a response body was closed, to observe that
// an undeliverable outcome is released rather than held by a goroutine.
type closeTrackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *closeTrackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

var _ = Describe("HTTPTransport", func() {
	newRequest := func() *http.Request {
		req, err := http.NewRequest(http.MethodGet, "https://collector.example.com/measurements", http.NoBody)
		Ω(err).Should(Succeed())
		return req
	}

	It("should deliver the tagged response on the events channel", func() {
		transport := NewHTTPTransport(&http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
		})})

		tag := CorrelationTag{Kind: KindStatus, MeasurementID: 42}
		Ω(transport.Send(context.Background(), tag, newRequest())).Should(Succeed())

		var event ResponseEvent
		Eventually(transport.Responses()).Should(Receive(&event))
		Ω(event.Tag).Should(Equal(tag))
		Ω(event.Err).Should(Succeed())
		Ω(event.Response.StatusCode).Should(Equal(http.StatusOK))
	})
	It("should release undeliverable responses once the context is cancelled", func() {
		var mu sync.Mutex
		var bodies []*closeTrackingBody
		transport := NewHTTPTransport(&http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			body := &closeTrackingBody{Reader: strings.NewReader("")}
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
			return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
		})})
		served := func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(bodies)
		}

		// One more send than the event buffer holds, with nobody consuming:
		// exactly one goroutine cannot deliver its outcome.
		ctx, cancel := context.WithCancel(context.Background())
		tag := CorrelationTag{Kind: KindUpload, MeasurementID: 42}
		for i := 0; i < 17; i++ {
			Ω(transport.Send(ctx, tag, newRequest())).Should(Succeed())
		}
		Eventually(served).Should(Equal(17))
		cancel()

		closedCount := func() int {
			mu.Lock()
			defer mu.Unlock()
			n := 0
			for _, body := range bodies {
				if body.closed.Load() {
					n++
				}
			}
			return n
		}
		// At least the overflowing goroutine must give up and release its
		// response instead of blocking forever.
		Eventually(closedCount).Should(BeNumerically(">=", 1))
	})
})
