package uplink

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("StatusBus", func() {
	var bus *StatusBus
	var upload Upload

	BeforeEach(func() {
		bus = NewStatusBus()
		upload = newTestFactory([]byte("payload"), nil).New(testMeasurement(42))
	})

	It("should deliver events to every subscriber", func() {
		first, cancelFirst := bus.Subscribe(1)
		second, cancelSecond := bus.Subscribe(1)
		defer cancelFirst()
		defer cancelSecond()

		bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})

		var status UploadStatus
		Ω(first).Should(Receive(&status))
		Ω(status.Kind).Should(Equal(StatusStarted))
		Ω(second).Should(Receive(&status))
		Ω(status.Upload.Measurement().Identifier).Should(Equal(uint64(42)))
	})
	It("should stop delivering after unsubscribe", func() {
		events, cancel := bus.Subscribe(1)
		cancel()

		bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})

		Ω(events).Should(BeClosed())
	})
	It("should not block on a full subscriber", func() {
		events, cancel := bus.Subscribe(1)
		defer cancel()

		bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
		bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})

		var status UploadStatus
		Ω(events).Should(Receive(&status))
		Ω(status.Kind).Should(Equal(StatusStarted))
		Ω(events).ShouldNot(Receive())
	})
	It("should tolerate unsubscribing twice", func() {
		_, cancel := bus.Subscribe(1)
		cancel()
		cancel()
	})

	Context("lossless subscription", func() {
		It("should deliver every event to a consumer that fell far behind", func() {
			events, cancel := bus.subscribeLossless()
			defer cancel()

			for i := 0; i < 100; i++ {
				bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
			}
			bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})

			for i := 0; i < 100; i++ {
				Eventually(events).Should(Receive(haveStatus(StatusStarted)))
			}
			Eventually(events).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
		})
		It("should flush queued events before closing on cancel", func() {
			events, cancel := bus.subscribeLossless()

			bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
			bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})
			cancel()

			Eventually(events).Should(Receive(haveStatus(StatusStarted)))
			Eventually(events).Should(Receive(haveStatus(StatusFinishedSuccessfully)))
			Eventually(events).Should(BeClosed())
		})
		It("should keep feeding terminal cleanup while an external subscriber overflows", func() {
			internal, cancelInternal := bus.subscribeLossless()
			defer cancelInternal()
			external, cancelExternal := bus.Subscribe(1)
			defer cancelExternal()

			for i := 0; i < 20; i++ {
				bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
			}
			bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedWithError, Cause: ErrProtocol})

			// The external subscriber lost everything past its buffer; the
			// internal one still sees the terminal status.
			Ω(external).Should(Receive(haveStatus(StatusStarted)))
			for i := 0; i < 20; i++ {
				Eventually(internal).Should(Receive(haveStatus(StatusStarted)))
			}
			Eventually(internal).Should(Receive(haveStatus(StatusFinishedWithError)))
		})
	})
})
