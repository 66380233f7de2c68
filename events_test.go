package uplink

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// failingRegistry makes Record fail on demand, to exercise the
// record-before-cleanup ordering.
type failingRegistry struct {
	*MemorySessionRegistry
	recordErr error
}

func (r *failingRegistry) Record(upload Upload, kind RequestKind, httpStatus int, message string, at time.Time) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	return r.MemorySessionRegistry.Record(upload, kind, httpStatus, message, at)
}

func (r *failingRegistry) RecordError(upload Upload, kind RequestKind, httpStatus int, cause error) error {
	if r.recordErr != nil {
		return r.recordErr
	}
	return r.MemorySessionRegistry.RecordError(upload, kind, httpStatus, cause)
}

var _ = Describe("EventHandler", func() {
	var handler *EventHandler
	var reg *MemorySessionRegistry
	var transport *fakeTransport
	var statuses <-chan UploadStatus
	var upload Upload

	BeforeEach(func() {
		factory := newTestFactory(make([]byte, 1000), nil)
		reg = NewMemorySessionRegistry(factory)
		transport = &fakeTransport{}
		bus := NewStatusBus()
		var unsubscribe func()
		statuses, unsubscribe = bus.Subscribe(8)
		DeferCleanup(unsubscribe)

		handler = &EventHandler{
			Registry:      reg,
			Bus:           bus,
			Authenticator: staticToken("token-123"),
			Transport:     transport,
			CollectorURL:  mustParseURL("https://collector.example.com/measurements"),
		}

		upload = factory.New(testMeasurement(42))
		Ω(reg.Register(upload)).Should(Succeed())
	})

	Context("status responses", func() {
		It("should finish successfully on 200", func() {
			Ω(handler.OnStatusResponse(context.Background(), http.StatusOK, upload)).Should(Succeed())

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
			Ω(transport.sentRequests()).Should(BeEmpty())
		})
		It("should resume with an upload request on 308", func() {
			upload.SetLocation("https://collector.example.com/measurements/sessions/42")
			upload.SetBytesUploaded(600)

			Ω(handler.OnStatusResponse(context.Background(), http.StatusPermanentRedirect, upload)).Should(Succeed())

			sent := transport.sentRequests()
			Ω(sent).Should(HaveLen(1))
			Ω(sent[0].Tag.Kind).Should(Equal(KindUpload))
			Ω(sent[0].Request.Header.Get("Content-Range")).Should(Equal("bytes 600-999/400"))
		})
		It("should restart with a pre-request on 404", func() {
			Ω(handler.OnStatusResponse(context.Background(), http.StatusNotFound, upload)).Should(Succeed())

			sent := transport.sentRequests()
			Ω(sent).Should(HaveLen(1))
			Ω(sent[0].Tag.Kind).Should(Equal(KindPreRequest))
			Ω(sent[0].Request.Method).Should(Equal(http.MethodPost))
			Ω(sent[0].Request.Header.Get("Authorization")).Should(Equal("Bearer token-123"))
		})
		It("should fail the upload on any other status", func() {
			err := handler.OnStatusResponse(context.Background(), http.StatusInternalServerError, upload)
			Ω(err).Should(MatchError(RequestError{StatusCode: 500}))

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedWithError)))
			entries, err := reg.Protocol(42)
			Ω(err).Should(Succeed())
			Ω(entries).Should(HaveLen(1))
			Ω(entries[0].CausedError).Should(BeTrue())
			Ω(entries[0].HTTPStatus).Should(Equal(500))
		})
	})

	Context("pre-request responses", func() {
		It("should issue exactly one upload request on 200", func() {
			upload.SetLocation("https://collector.example.com/measurements/sessions/42")

			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusOK, upload)).Should(Succeed())

			sent := transport.sentRequests()
			Ω(sent).Should(HaveLen(1))
			Ω(sent[0].Tag).Should(Equal(CorrelationTag{Kind: KindUpload, MeasurementID: 42}))
			Ω(sent[0].Request.Header.Get("Content-Range")).Should(Equal("bytes 0-999/1000"))
		})
		It("should finish unsuccessfully on 401 without further requests", func() {
			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusUnauthorized, upload)).Should(Succeed())

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedUnsuccessfully)))
			Ω(transport.sentRequests()).Should(BeEmpty())
		})
		It("should treat 409 as an already completed upload", func() {
			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusConflict, upload)).Should(Succeed())

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
			Ω(transport.sentRequests()).Should(BeEmpty())
		})
		It("should treat 412 as an already completed upload", func() {
			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusPreconditionFailed, upload)).Should(Succeed())

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
			Ω(transport.sentRequests()).Should(BeEmpty())
		})
		It("should record the outcome before issuing the next request", func() {
			upload.SetLocation("https://collector.example.com/measurements/sessions/42")
			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusOK, upload)).Should(Succeed())

			entries, err := reg.Protocol(42)
			Ω(err).Should(Succeed())
			Ω(entries).Should(HaveLen(1))
			Ω(entries[0].RequestKind).Should(Equal(KindPreRequest))
			Ω(entries[0].HTTPStatus).Should(Equal(200))

			reconstructed, err := reg.Get(testMeasurement(42))
			Ω(err).Should(Succeed())
			Ω(reconstructed.Location()).Should(Equal("https://collector.example.com/measurements/sessions/42"))
		})
	})

	Context("upload responses", func() {
		It("should finish successfully on 201", func() {
			Ω(handler.OnUploadResponse(context.Background(), http.StatusCreated, upload)).Should(Succeed())

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
		})
		It("should fail the upload on any other status", func() {
			err := handler.OnUploadResponse(context.Background(), http.StatusBadGateway, upload)
			Ω(err).Should(MatchError(RequestError{StatusCode: 502}))

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedWithError)))
		})
	})

	Context("authentication", func() {
		It("should finish unsuccessfully when the restart pre-request cannot authenticate", func() {
			handler.Authenticator = authenticatorFunc(func(context.Context) (string, error) {
				return "", ErrNotAuthenticated
			})

			err := handler.OnStatusResponse(context.Background(), http.StatusNotFound, upload)
			Ω(err).Should(MatchError(ErrNotAuthenticated))

			Ω(statuses).Should(Receive(haveStatus(StatusFinishedUnsuccessfully)))
			Ω(transport.sentRequests()).Should(BeEmpty())

			entries, err := reg.Protocol(42)
			Ω(err).Should(Succeed())
			Ω(entries).Should(HaveLen(2))
			Ω(entries[1].CausedError).Should(BeTrue())
		})
	})

	Context("staged payloads", func() {
		var staging *PayloadStaging
		var failing *failingRegistry
		var stagedPath string

		BeforeEach(func() {
			var err error
			staging, err = NewPayloadStaging(filepath.Join(GinkgoT().TempDir(), "staging"))
			Ω(err).Should(Succeed())
			failing = &failingRegistry{MemorySessionRegistry: reg}
			handler.Registry = failing
			handler.Staging = staging

			stagedPath, err = staging.StagePreRequest(upload, []byte("payload"))
			Ω(err).Should(Succeed())
		})

		It("should clean the staged payload after the outcome was recorded", func() {
			Ω(handler.OnPreRequestResponse(context.Background(), http.StatusConflict, upload)).Should(Succeed())

			_, err := os.Stat(stagedPath)
			Ω(os.IsNotExist(err)).Should(BeTrue())
			entries, err := reg.Protocol(42)
			Ω(err).Should(Succeed())
			Ω(entries).Should(HaveLen(1))
		})
		It("should keep the staged payload when recording fails", func() {
			failing.recordErr = errors.New("database is locked")

			err := handler.OnPreRequestResponse(context.Background(), http.StatusConflict, upload)
			Ω(err).Should(MatchError(failing.recordErr))

			_, err = os.Stat(stagedPath)
			Ω(err).Should(Succeed())
		})
		It("should clean the staged chunk after a recorded failure", func() {
			upload.SetLocation("https://collector.example.com/measurements/sessions/42")
			chunkPath, err := staging.StageUpload(upload, []byte("chunk"))
			Ω(err).Should(Succeed())

			Ω(handler.OnUploadResponse(context.Background(), http.StatusBadGateway, upload)).
				Should(MatchError(RequestError{StatusCode: 502}))

			_, err = os.Stat(chunkPath)
			Ω(os.IsNotExist(err)).Should(BeTrue())
			entries, err := reg.Protocol(42)
			Ω(err).Should(Succeed())
			Ω(entries).Should(HaveLen(1))
			Ω(entries[0].CausedError).Should(BeTrue())
		})
	})
})
