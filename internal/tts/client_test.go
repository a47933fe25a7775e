package tts

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticTokens string

func (s staticTokens) CurrentToken() string { return string(s) }

func testClient(t *testing.T, endpoint string, tokens TokenSource) *Client {
	t.Helper()
	c := NewClient(ClientConfig{
		Endpoint:  endpoint,
		AppID:     "07D3234E49CE426DAA29772419F436CA",
		ClientID:  "1ECFAE91408841A480F00935DC390960",
		UserAgent: "TTSClient",
		Timeout:   5 * time.Second,
	}, tokens, newLogger())
	t.Cleanup(c.Close)
	return c
}

func arabicRequest() Request {
	return Request{
		Text:      "hello",
		Locale:    "ar-SA",
		VoiceName: "Naayf",
		Gender:    Male,
		Rate:      "default",
		Pitch:     "default",
		Volume:    "default",
		Format:    Riff16Khz16BitMonoPcm,
	}
}

// receive reads the single Result and checks the channel closes afterwards.
func receive(t *testing.T, results <-chan Result) Result {
	t.Helper()
	var res Result
	select {
	case r, ok := <-results:
		require.True(t, ok, "result channel closed without a result")
		res = r
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	select {
	case _, ok := <-results:
		require.False(t, ok, "second result delivered")
	case <-time.After(time.Second):
		t.Fatal("result channel not closed")
	}
	require.True(t, (res.Audio == nil) != (res.Err == nil), "exactly one of audio or error must be set: %+v", res)
	return res
}

func TestSynthesizeSendsHeadersAndSSML(t *testing.T) {
	type captured struct {
		method string
		header http.Header
		body   []byte
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{method: r.Method, header: r.Header.Clone(), body: body}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF-audio"))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, staticTokens("token-abc"))
	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))
	require.NoError(t, res.Err)
	audio, err := io.ReadAll(res.Audio)
	require.NoError(t, err)
	require.NoError(t, res.Audio.Close())
	assert.Equal(t, "RIFF-audio", string(audio))

	req := <-got
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "application/ssml+xml", req.header.Get("Content-Type"))
	assert.Equal(t, "riff-16khz-16bit-mono-pcm", req.header.Get("X-Microsoft-OutputFormat"))
	assert.Equal(t, "Bearer token-abc", req.header.Get("Authorization"))
	assert.Equal(t, "07D3234E49CE426DAA29772419F436CA", req.header.Get("X-Search-AppId"))
	assert.Equal(t, "1ECFAE91408841A480F00935DC390960", req.header.Get("X-Search-ClientID"))
	assert.Equal(t, "TTSClient", req.header.Get("User-Agent"))

	doc := parseSSML(t, req.body)
	assert.Equal(t, "ar-SA", doc.Voice.Lang)
	assert.Equal(t, "Naayf", doc.Voice.Name)
	assert.Equal(t, "default", doc.Voice.Prosody.Rate)
}

func TestSynthesizeRequestTokenOverridesSource(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, staticTokens("from-source"))
	req := arabicRequest()
	req.Token = "explicit"
	res := receive(t, c.Synthesize(context.Background(), req))
	require.NoError(t, res.Err)
	res.Audio.Close()
	assert.Equal(t, "Bearer explicit", <-auth)
}

func TestSynthesizeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, staticTokens("stale"))
	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))

	var httpErr *HTTPError
	require.ErrorAs(t, res.Err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "token expired", httpErr.Body)
	assert.Contains(t, httpErr.Error(), "401")
}

func TestSynthesizeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := testClient(t, url, staticTokens("tok"))
	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))

	var transportErr *TransportError
	require.ErrorAs(t, res.Err, &transportErr)
	assert.Equal(t, "send request", transportErr.Op)
	assert.NotNil(t, errors.Unwrap(transportErr))
	assert.False(t, transportErr.Timeout())
}

func TestSynthesizeInvalidEndpoint(t *testing.T) {
	c := testClient(t, "://bad", staticTokens("tok"))
	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))

	var transportErr *TransportError
	require.ErrorAs(t, res.Err, &transportErr)
	assert.Equal(t, "build request", transportErr.Op)
}

func TestSynthesizeCancelledBeforeDispatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, staticTokens("tok"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := receive(t, c.Synthesize(ctx, arabicRequest()))
	var cancelErr *CancellationError
	require.ErrorAs(t, res.Err, &cancelErr)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Zero(t, hits.Load(), "no request may reach the endpoint")
}

func TestSynthesizeCancelledInFlight(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only watches for a closed connection once the body is consumed.
		_, _ = io.ReadAll(r.Body)
		close(arrived)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := testClient(t, srv.URL, staticTokens("tok"))
	ctx, cancel := context.WithCancel(context.Background())
	results := c.Synthesize(ctx, arabicRequest())

	<-arrived
	cancel()

	res := receive(t, results)
	var cancelErr *CancellationError
	require.ErrorAs(t, res.Err, &cancelErr)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestSynthesizeClientTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, staticTokens("tok"), newLogger())
	defer c.Close()

	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))
	var transportErr *TransportError
	require.ErrorAs(t, res.Err, &transportErr)
	assert.True(t, transportErr.Timeout())
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestSynthesizeExactlyOneOutcome(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio"))
	}))
	defer ok.Close()
	rejected := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer rejected.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	for _, tc := range []struct {
		name     string
		endpoint string
		success  bool
	}{
		{"success", ok.URL, true},
		{"http error", rejected.URL, false},
		{"transport error", goneURL, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := testClient(t, tc.endpoint, staticTokens("tok"))

			var audioCalls, errorCalls atomic.Int32
			done := c.Speak(context.Background(), arabicRequest(), ObserverFuncs{
				OnAudio: func(audio io.ReadCloser) {
					audioCalls.Add(1)
					_ = audio.Close()
				},
				OnError: func(error) { errorCalls.Add(1) },
			})
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("observer not invoked")
			}

			assert.Equal(t, int32(1), audioCalls.Load()+errorCalls.Load())
			if tc.success {
				assert.Equal(t, int32(1), audioCalls.Load())
			} else {
				assert.Equal(t, int32(1), errorCalls.Load())
			}
		})
	}
}

func TestConcurrentCallsKeepHeadersSeparate(t *testing.T) {
	var (
		mu         sync.Mutex
		mismatches []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc parsedSpeak
		if err := xml.Unmarshal(body, &doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		want := "Bearer token-" + doc.Voice.Prosody.Text
		if got := r.Header.Get("Authorization"); got != want {
			mu.Lock()
			mismatches = append(mismatches, fmt.Sprintf("%s carried %s", doc.Voice.Prosody.Text, got))
			mu.Unlock()
		}
		_, _ = w.Write([]byte(r.Header.Get("Authorization") + "|" + r.Header.Get("X-Microsoft-OutputFormat")))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, nil)
	formats := OutputFormats()

	var g errgroup.Group
	for i := 0; i < 48; i++ {
		g.Go(func() error {
			req := arabicRequest()
			req.Text = fmt.Sprint(i)
			req.Token = fmt.Sprintf("token-%d", i)
			req.Format = formats[i%len(formats)]

			res := <-c.Synthesize(context.Background(), req)
			if res.Err != nil {
				return res.Err
			}
			defer res.Audio.Close()
			body, err := io.ReadAll(res.Audio)
			if err != nil {
				return err
			}
			want := "Bearer " + req.Token + "|" + req.Format.Header()
			if string(body) != want {
				return fmt.Errorf("call %d: got %q, want %q", i, body, want)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Empty(t, mismatches)
}

func TestCloseRejectsNewCalls(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL}, staticTokens("tok"), newLogger())
	c.Close()
	c.Close()

	res := receive(t, c.Synthesize(context.Background(), arabicRequest()))
	assert.ErrorIs(t, res.Err, ErrClientClosed)
	assert.Zero(t, hits.Load())
}

func TestCloseWaitsForDispatchedCalls(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL}, staticTokens("tok"), newLogger())
	results := c.Synthesize(context.Background(), arabicRequest())

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("close returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed

	res := receive(t, results)
	require.NoError(t, res.Err)
	body, err := io.ReadAll(res.Audio)
	require.NoError(t, err)
	assert.Equal(t, "late", string(body))
	require.NoError(t, res.Audio.Close())
}

func TestObserverFuncsClosesUnhandledAudio(t *testing.T) {
	rc := &trackingCloser{}
	ObserverFuncs{}.AudioAvailable(rc)
	assert.True(t, rc.closed)

	// A nil error handler must not panic.
	ObserverFuncs{}.Error(errors.New("ignored"))
}

type trackingCloser struct {
	closed bool
}

func (t *trackingCloser) Read([]byte) (int, error) { return 0, io.EOF }
func (t *trackingCloser) Close() error {
	t.closed = true
	return nil
}
