package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/docextract/internal/extraction"
	"github.com/zombor/docextract/internal/upload"
)

func TestSession(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Session Suite")
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// uploadCall is one pending Upload on the mock transport
type uploadCall struct {
	ctx        context.Context
	file       upload.File
	endpoint   string
	onProgress upload.ProgressFunc
	respond    chan outcome
}

func (c *uploadCall) succeed(body string) {
	c.respond <- outcome{payload: json.RawMessage(body)}
}

func (c *uploadCall) fail(err error) {
	c.respond <- outcome{err: err}
}

// mockTransport hands every Upload to the test and blocks until it responds.
// Unless ignoreCancel is set a cancelled context ends the call early.
type mockTransport struct {
	calls        chan *uploadCall
	ignoreCancel bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{calls: make(chan *uploadCall, 4)}
}

func (m *mockTransport) Upload(ctx context.Context, file upload.File, endpointURL string, onProgress upload.ProgressFunc) (json.RawMessage, error) {
	call := &uploadCall{
		ctx:        ctx,
		file:       file,
		endpoint:   endpointURL,
		onProgress: onProgress,
		respond:    make(chan outcome, 1),
	}
	m.calls <- call

	if m.ignoreCancel {
		o := <-call.respond
		return o.payload, o.err
	}
	select {
	case o := <-call.respond:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, &upload.NetworkError{Err: ctx.Err()}
	}
}

// mockPreparer renames files or fails
type mockPreparer struct {
	err error
}

func (m *mockPreparer) Prepare(file upload.File) (upload.File, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &upload.BytesFile{FileName: "prepared.png", Data: []byte("png")}, nil
}

func megabyteFile(name string) upload.File {
	return &upload.BytesFile{FileName: name, Data: make([]byte, 1<<20)}
}

var _ = Describe("Session", func() {
	var (
		transport *mockTransport
		session   *Session
	)

	BeforeEach(func() {
		transport = newMockTransport()
		session = New(transport, "http://extractor.test/extract")
	})

	AfterEach(func() {
		session.Close()
	})

	It("should start idle", func() {
		Expect(session.State()).To(Equal(Idle{}))
		Expect(session.State().Phase()).To(Equal(PhaseIdle))
	})

	Describe("a successful upload", func() {
		var (
			call *uploadCall
			done <-chan struct{}
		)

		BeforeEach(func() {
			done = session.SelectFile(context.Background(), megabyteFile("invoice.pdf"))
			Eventually(transport.calls).Should(Receive(&call))
		})

		It("should enter Uploading with zero progress", func() {
			Expect(session.State()).To(Equal(Uploading{Name: "invoice.pdf", Progress: 0}))
		})

		It("should upload to the configured endpoint", func() {
			Expect(call.endpoint).To(Equal("http://extractor.test/extract"))
			Expect(call.file.Name()).To(Equal("invoice.pdf"))
			call.succeed(`{}`)
			Eventually(done).Should(BeClosed())
		})

		It("should track progress without leaving Uploading", func() {
			call.onProgress(10)
			call.onProgress(30)
			Expect(session.State()).To(Equal(Uploading{Name: "invoice.pdf", Progress: 30}))
			call.succeed(`{}`)
			Eventually(done).Should(BeClosed())
		})

		It("should end with the normalized result", func() {
			for _, p := range []int{10, 30, 70, 100} {
				call.onProgress(p)
			}
			call.succeed(`{"text":"Invoice #1","fields":[{"key":"total","value":"100.00","confidence":0.42}]}`)
			Eventually(done).Should(BeClosed())

			state := session.State()
			Expect(state.Phase()).To(Equal(PhaseSucceeded))
			Expect(Progress(state)).To(Equal(100))
			Expect(ErrorMessage(state)).To(BeEmpty())

			result := ResultOf(state)
			Expect(result).NotTo(BeNil())
			Expect(result.Text).To(Equal("Invoice #1"))
			Expect(result.Fields).To(HaveLen(1))
			Expect(*result.Fields[0].Confidence).To(Equal(0.42))
			Expect(result.Fields[0].IsLowConfidence()).To(BeTrue())
		})
	})

	Describe("a failed upload", func() {
		It("should record the error and no result", func() {
			done := session.SelectFile(context.Background(), megabyteFile("invoice.pdf"))
			var call *uploadCall
			Eventually(transport.calls).Should(Receive(&call))
			call.fail(&upload.HTTPError{StatusCode: 500, StatusText: "Internal Server Error", Body: "Internal error"})
			Eventually(done).Should(BeClosed())

			state := session.State()
			Expect(state.Phase()).To(Equal(PhaseFailed))
			Expect(ErrorMessage(state)).To(ContainSubstring("500"))
			Expect(ErrorMessage(state)).To(ContainSubstring("Internal Server Error"))
			Expect(ResultOf(state)).To(BeNil())
			Expect(state.FileName()).To(Equal("invoice.pdf"))
		})

		It("should ignore progress after a failure", func() {
			done := session.SelectFile(context.Background(), megabyteFile("a.pdf"))
			var call *uploadCall
			Eventually(transport.calls).Should(Receive(&call))
			call.fail(&upload.NetworkError{Err: errors.New("connection refused")})
			Eventually(done).Should(BeClosed())

			call.onProgress(50)
			Expect(session.State()).To(Equal(Failed{Name: "a.pdf", Message: "network error while uploading file"}))
		})
	})

	Describe("selecting a new file", func() {
		var (
			first, second         *uploadCall
			firstDone, secondDone <-chan struct{}
		)

		BeforeEach(func() {
			// a slow server keeps answering after the client gave up
			transport.ignoreCancel = true

			firstDone = session.SelectFile(context.Background(), megabyteFile("slow.pdf"))
			Eventually(transport.calls).Should(Receive(&first))
			first.onProgress(40)

			secondDone = session.SelectFile(context.Background(), megabyteFile("fast.pdf"))
			Eventually(transport.calls).Should(Receive(&second))
		})

		It("should reset progress for the new attempt", func() {
			Expect(session.State()).To(Equal(Uploading{Name: "fast.pdf", Progress: 0}))
			second.succeed(`{}`)
			first.succeed(`{}`)
			Eventually(firstDone).Should(BeClosed())
			Eventually(secondDone).Should(BeClosed())
		})

		It("should cancel the superseded request", func() {
			Expect(first.ctx.Err()).To(MatchError(context.Canceled))
			Expect(second.ctx.Err()).NotTo(HaveOccurred())
			second.succeed(`{}`)
			first.succeed(`{}`)
			Eventually(secondDone).Should(BeClosed())
		})

		It("should drop progress from the superseded attempt", func() {
			first.onProgress(90)
			Expect(Progress(session.State())).To(Equal(0))
			second.succeed(`{}`)
			first.succeed(`{}`)
			Eventually(firstDone).Should(BeClosed())
		})

		It("should not let a late response overwrite the newer one", func() {
			second.succeed(`{"text":"fast"}`)
			Eventually(secondDone).Should(BeClosed())

			first.succeed(`{"text":"slow"}`)
			Eventually(firstDone).Should(BeClosed())

			state := session.State()
			Expect(state.FileName()).To(Equal("fast.pdf"))
			Expect(ResultOf(state).Text).To(Equal("fast"))
		})

		It("should not let a late failure overwrite the newer result", func() {
			second.succeed(`{"text":"fast"}`)
			Eventually(secondDone).Should(BeClosed())

			first.fail(&upload.NetworkError{Err: context.Canceled})
			Eventually(firstDone).Should(BeClosed())

			Expect(session.State().Phase()).To(Equal(PhaseSucceeded))
		})

		It("should clear a previous result", func() {
			second.succeed(`{"text":"fast"}`)
			first.succeed(`{}`)
			Eventually(secondDone).Should(BeClosed())
			Eventually(firstDone).Should(BeClosed())

			thirdDone := session.SelectFile(context.Background(), megabyteFile("third.pdf"))
			var third *uploadCall
			Eventually(transport.calls).Should(Receive(&third))
			Expect(ResultOf(session.State())).To(BeNil())
			third.succeed(`{}`)
			Eventually(thirdDone).Should(BeClosed())
		})
	})

	Describe("EditField", func() {
		When("there is no result", func() {
			It("should return ErrNoResult", func() {
				Expect(session.EditField(0, "x")).To(MatchError(ErrNoResult))
			})
		})

		When("an upload succeeded", func() {
			BeforeEach(func() {
				done := session.SelectFile(context.Background(), megabyteFile("invoice.pdf"))
				var call *uploadCall
				Eventually(transport.calls).Should(Receive(&call))
				call.succeed(`{"a":1,"fields":[{"key":"total","value":"100.00","confidence":0.42},{"key":"vendor","value":"Acme"}]}`)
				Eventually(done).Should(BeClosed())
			})

			It("should update the field value", func() {
				Expect(session.EditField(0, "120.00")).To(Succeed())
				result := ResultOf(session.State())
				Expect(result.Fields[0].Value).To(Equal("120.00"))
				Expect(result.Fields[1].Value).To(Equal("Acme"))
			})

			It("should stay in Succeeded", func() {
				Expect(session.EditField(1, "Acme Corp")).To(Succeed())
				Expect(session.State().Phase()).To(Equal(PhaseSucceeded))
			})

			It("should leave earlier snapshots untouched", func() {
				before := ResultOf(session.State())
				Expect(session.EditField(0, "120.00")).To(Succeed())
				Expect(before.Fields[0].Value).To(Equal("100.00"))
			})

			It("should not let writes to a returned snapshot reach the session", func() {
				snapshot := ResultOf(session.State())
				snapshot.Fields[0].Value = "mutated"
				*snapshot.Fields[0].Confidence = 0.99

				succeeded, ok := session.State().(Succeeded)
				Expect(ok).To(BeTrue())
				succeeded.Result.Fields[1].Value = "mutated"

				current := ResultOf(session.State())
				Expect(current.Fields[0].Value).To(Equal("100.00"))
				Expect(*current.Fields[0].Confidence).To(Equal(0.42))
				Expect(current.Fields[1].Value).To(Equal("Acme"))
				Expect(current.LowConfidenceCount()).To(Equal(1))
			})

			It("should reject an out of range index", func() {
				err := session.EditField(5, "x")
				Expect(errors.Is(err, extraction.ErrIndexOutOfRange)).To(BeTrue())
			})

			It("should export the edited fields as CSV", func() {
				Expect(session.EditField(0, "120.00")).To(Succeed())
				artifact, err := session.ExportCSV()
				Expect(err).NotTo(HaveOccurred())
				Expect(artifact.Name).To(Equal("invoice.pdf.csv"))
				Expect(string(artifact.Data)).To(ContainSubstring("total,120.00,0.42"))
			})

			It("should export the unedited response as JSON", func() {
				Expect(session.EditField(0, "120.00")).To(Succeed())
				artifact, err := session.ExportJSON()
				Expect(err).NotTo(HaveOccurred())
				Expect(artifact.Name).To(Equal("invoice.pdf.json"))
				Expect(string(artifact.Data)).To(ContainSubstring(`"100.00"`))
				Expect(string(artifact.Data)).NotTo(ContainSubstring("120.00"))
			})

			It("should export a spreadsheet", func() {
				artifact, err := session.ExportXLSX()
				Expect(err).NotTo(HaveOccurred())
				Expect(artifact.Name).To(Equal("invoice.pdf.xlsx"))
				Expect(artifact.Data).NotTo(BeEmpty())
			})
		})
	})

	Describe("exports without a result", func() {
		It("should return ErrNoResult", func() {
			_, err := session.ExportJSON()
			Expect(err).To(MatchError(ErrNoResult))
			_, err = session.ExportCSV()
			Expect(err).To(MatchError(ErrNoResult))
			_, err = session.ExportXLSX()
			Expect(err).To(MatchError(ErrNoResult))
		})
	})

	Describe("Subscribe", func() {
		It("should notify every state change until unsubscribed", func() {
			var (
				mu     sync.Mutex
				phases []Phase
			)
			unsubscribe := session.Subscribe(func(st State) {
				mu.Lock()
				defer mu.Unlock()
				phases = append(phases, st.Phase())
			})

			done := session.SelectFile(context.Background(), megabyteFile("invoice.pdf"))
			var call *uploadCall
			Eventually(transport.calls).Should(Receive(&call))
			call.onProgress(50)
			call.succeed(`{}`)
			Eventually(done).Should(BeClosed())

			unsubscribe()
			Expect(session.EditField(0, "x")).NotTo(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(phases).To(Equal([]Phase{PhaseUploading, PhaseUploading, PhaseSucceeded}))
		})
	})

	Describe("with a preparer", func() {
		It("should upload the prepared file under the selected name", func() {
			session = New(transport, "http://extractor.test/extract", WithPreparer(&mockPreparer{}))
			done := session.SelectFile(context.Background(), megabyteFile("photo.heic"))
			var call *uploadCall
			Eventually(transport.calls).Should(Receive(&call))
			Expect(call.file.Name()).To(Equal("prepared.png"))
			Expect(session.State().FileName()).To(Equal("photo.heic"))
			call.succeed(`{}`)
			Eventually(done).Should(BeClosed())
		})

		It("should fail without uploading when preparation fails", func() {
			session = New(transport, "http://extractor.test/extract", WithPreparer(&mockPreparer{err: errors.New("decoding HEIC/HEIF image: bad data")}))
			done := session.SelectFile(context.Background(), megabyteFile("photo.heic"))
			Eventually(done).Should(BeClosed())
			Expect(ErrorMessage(session.State())).To(ContainSubstring("bad data"))
			Expect(transport.calls).NotTo(Receive())
		})
	})
})
