package conn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnelnet/internal/capability"
	"tunnelnet/internal/channel"
	"tunnelnet/internal/connid"
	"tunnelnet/internal/httpframe"
	"tunnelnet/internal/testutil"
	"tunnelnet/internal/tlswrap"
)

const waitFor = 5 * time.Second

var allocator = connid.NewAllocator()

func options(p *testutil.Proxy) Options {
	return Options{
		Dialer:   &channel.WebSocketDialer{},
		ProxyURL: p.URL,
	}
}

func newID(t *testing.T, c capability.Capability) connid.ID {
	t.Helper()
	id, err := allocator.Generate(c)
	require.NoError(t, err)
	return id
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("Timed out waiting for result")
		return Result{}
	}
}

// readRequest parses the request carried in one frame
func readRequest(t *testing.T, frame []byte) *http.Request {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(frame)))
	if err != nil {
		t.Errorf("Proxy received unparsable request: %v", err)
		return nil
	}
	return req
}

func TestTCPSendReceivesNextFrame(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		for {
			frame, err := c.ReadFrame()
			if err != nil {
				return
			}
			c.WriteFrame(append([]byte("echo:"), frame...))
		}
	})

	id := newID(t, capability.Tcp)
	c, err := DialTCP(context.Background(), options(proxy), "10.0.0.1:9000", id)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "10.0.0.1:9000", c.Address())
	assert.Equal(t, id, c.ID())
	assert.NoError(t, c.Ping())

	for _, msg := range []string{"one", "two"} {
		result, err := c.Send([]byte(msg))
		require.NoError(t, err)

		select {
		case r := <-result:
			require.NoError(t, r.Err)
			assert.Equal(t, "echo:"+msg, string(r.Data))
		case <-time.After(waitFor):
			t.Fatal("Timed out waiting for TCP response")
		}
	}

	assert.Equal(t, []string{"10.0.0.1:9000"}, proxy.Targets())
}

func TestSendAfterCloseIsNotOpen(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		c.ReadFrame()
	})

	tcp, err := DialTCP(context.Background(), options(proxy), "a:1", newID(t, capability.Tcp))
	require.NoError(t, err)
	require.NoError(t, tcp.Close())
	_, err = tcp.Send([]byte("x"))
	assert.True(t, errors.Is(err, ErrNotOpen), "expected ErrNotOpen, got %v", err)

	h, err := DialHTTP(context.Background(), options(proxy), "a:80", newID(t, capability.Http))
	require.NoError(t, err)
	require.NoError(t, h.Close())
	_, err = h.Send(&httpframe.Request{Method: "GET", Path: "/"})
	assert.True(t, errors.Is(err, ErrNotOpen), "expected ErrNotOpen, got %v", err)
}

func TestHTTPResponseAcrossFrames(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		frame, err := c.ReadFrame()
		if err != nil {
			return
		}
		req := readRequest(t, frame)
		if req == nil {
			return
		}
		body, _ := io.ReadAll(req.Body)

		c.WriteFrame([]byte(fmt.Sprintf("HTTP/1.1 201 Created\r\nContent-Length: 5\r\nX-Echo: %s %s %s\r\n\r\nhel", req.Method, req.URL.Path, body)))
		c.WriteFrame([]byte("lo"))
		c.ReadFrame()
	})

	var mu sync.Mutex
	var observed []error
	opts := options(proxy)
	opts.OnResult = func(id connid.ID, err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	}

	c, err := DialHTTP(context.Background(), opts, "example.com:80", newID(t, capability.Http))
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Send(&httpframe.Request{
		Method:  "POST",
		Path:    "/items",
		Headers: []httpframe.Header{{Name: "Host", Value: "example.com"}},
		Body:    []byte("abc"),
	})
	require.NoError(t, err)

	r := awaitResult(t, result)
	require.NoError(t, r.Err)
	assert.Equal(t, 201, r.Response.StatusCode)
	assert.Equal(t, "hello", string(r.Response.Body))
	echo, _ := r.Response.Header("X-Echo")
	assert.Equal(t, "POST /items abc", echo)

	select {
	case extra := <-result:
		t.Errorf("Expected one result per request, got a second: %+v", extra)
	default:
	}

	mu.Lock()
	assert.Equal(t, []error{nil}, observed)
	mu.Unlock()
}

func TestHTTPMalformedResponseIsDelivered(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		if _, err := c.ReadFrame(); err != nil {
			return
		}
		c.WriteFrame([]byte("HTTP/1.1 abc OK\r\n\r\n"))
		c.ReadFrame()
	})

	c, err := DialHTTP(context.Background(), options(proxy), "example.com:80", newID(t, capability.Http))
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)

	r := awaitResult(t, result)
	var perr *httpframe.ParseError
	assert.True(t, errors.As(r.Err, &perr), "expected ParseError, got %v", r.Err)
	assert.Nil(t, r.Response)
}

func TestHTTPMalformedResponseClosesConnection(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		for i := 0; i < 2; i++ {
			if _, err := c.ReadFrame(); err != nil {
				return
			}
		}
		c.WriteFrame([]byte("HTTP/1.1 2x0 OK\r\nContent-Length: 6\r\n\r\nab"))
		c.WriteFrame([]byte("c d\r\n"))
		c.WriteFrame([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		c.ReadFrame()
	})

	closed := make(chan error, 1)
	opts := options(proxy)
	opts.OnClose = func(id connid.ID, err error) { closed <- err }

	c, err := DialHTTP(context.Background(), opts, "example.com:80", newID(t, capability.Http))
	require.NoError(t, err)
	defer c.Close()

	first, err := c.Send(&httpframe.Request{Method: "GET", Path: "/one"})
	require.NoError(t, err)
	second, err := c.Send(&httpframe.Request{Method: "GET", Path: "/two"})
	require.NoError(t, err)

	for _, result := range []<-chan Result{first, second} {
		r := awaitResult(t, result)
		var perr *httpframe.ParseError
		assert.True(t, errors.As(r.Err, &perr), "expected ParseError, got %v", r.Err)
		assert.Nil(t, r.Response)
	}

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("OnClose was not called")
	}

	_, err = c.Send(&httpframe.Request{Method: "GET", Path: "/three"})
	assert.True(t, errors.Is(err, ErrNotOpen), "expected ErrNotOpen, got %v", err)
	assert.Equal(t, 0, c.Pending())
}

func TestPendingRefusesPushOnceShut(t *testing.T) {
	var failed pending[Result]
	failed.fail(Result{Err: errors.New("boom")})
	ch, ok := failed.push()
	assert.False(t, ok)
	assert.Nil(t, ch)
	assert.Equal(t, 0, failed.size())

	var shut pending[Result]
	shut.shut()
	_, ok = shut.push()
	assert.False(t, ok)

	var open pending[Result]
	ch, ok = open.push()
	require.True(t, ok)
	assert.True(t, open.deliver(Result{}))
	select {
	case <-ch:
	default:
		t.Error("Expected the pushed channel to receive the delivered result")
	}
}

func TestHTTPRemoteCloseFailsPending(t *testing.T) {
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		c.ReadFrame()
	})

	closed := make(chan error, 1)
	opts := options(proxy)
	opts.OnClose = func(id connid.ID, err error) { closed <- err }

	c, err := DialHTTP(context.Background(), opts, "example.com:80", newID(t, capability.Http))
	require.NoError(t, err)

	result, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)

	r := awaitResult(t, result)
	assert.True(t, errors.Is(r.Err, channel.ErrRemoteClosed), "expected ErrRemoteClosed, got %v", r.Err)

	select {
	case err := <-closed:
		assert.True(t, errors.Is(err, channel.ErrRemoteClosed))
	case <-time.After(waitFor):
		t.Fatal("OnClose was not called")
	}
}

func TestHTTPLocalCloseDropsPending(t *testing.T) {
	release := make(chan struct{})
	proxy := testutil.NewProxy(t, func(target string, c channel.FrameConn) {
		c.ReadFrame()
		<-release
		c.WriteFrame([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	})
	defer close(release)

	c, err := DialHTTP(context.Background(), options(proxy), "example.com:80", newID(t, capability.Http))
	require.NoError(t, err)

	result, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case r := <-result:
		t.Errorf("Expected no result after local close, got %+v", r)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 0, c.Pending())
}

// serveTLS runs an HTTPS origin on the far side of the proxy, splitting its
// output into small frames
func serveTLS(certs *testutil.TestCerts, body string) func(string, channel.FrameConn) {
	return func(target string, c channel.FrameConn) {
		srv := tls.Server(&testutil.FrameStream{Conn: c, ChunkSize: 11}, certs.ServerConfig())
		defer srv.Close()

		reader := bufio.NewReader(srv)
		for {
			req, err := http.ReadRequest(reader)
			if err != nil {
				return
			}
			io.Copy(io.Discard, req.Body)
			fmt.Fprintf(srv, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nX-Path: %s\r\n\r\n%s", len(body), req.URL.Path, body)
		}
	}
}

func TestHTTPSRoundTrip(t *testing.T) {
	for _, version := range []capability.TLSVersion{capability.TLS12, capability.TLS13} {
		t.Run(version.String(), func(t *testing.T) {
			certs := testutil.GenerateTestCerts(t, "localhost")
			proxy := testutil.NewProxy(t, serveTLS(certs, "secret payload"))

			id := newID(t, capability.Https(version))
			c, err := DialHTTPS(context.Background(), options(proxy), "localhost:443", id, tlswrap.Config{
				Version: version,
				RootCAs: certs.Pool,
			})
			require.NoError(t, err)
			defer c.Close()

			// two requests queued before the handshake has finished
			first, err := c.Send(&httpframe.Request{Method: "GET", Path: "/a", Headers: []httpframe.Header{{Name: "Host", Value: "localhost"}}})
			require.NoError(t, err)
			second, err := c.Send(&httpframe.Request{Method: "GET", Path: "/b", Headers: []httpframe.Header{{Name: "Host", Value: "localhost"}}})
			require.NoError(t, err)

			for _, tc := range []struct {
				ch   <-chan Result
				path string
			}{{first, "/a"}, {second, "/b"}} {
				r := awaitResult(t, tc.ch)
				require.NoError(t, r.Err)
				assert.Equal(t, 200, r.Response.StatusCode)
				assert.Equal(t, "secret payload", string(r.Response.Body))
				path, _ := r.Response.Header("X-Path")
				assert.Equal(t, tc.path, path)
			}

			assert.Equal(t, tlswrap.Established, c.TLSState())
			assert.Equal(t, "localhost:443", c.Address())
		})
	}
}

func TestHTTPSHandshakeFailureClosesConnection(t *testing.T) {
	certs := testutil.GenerateTestCerts(t, "localhost")
	proxy := testutil.NewProxy(t, serveTLS(certs, "unused"))

	c, err := DialHTTPS(context.Background(), options(proxy), "localhost:443", newID(t, capability.Https(capability.TLS12)), tlswrap.Config{
		Version: capability.TLS12,
	})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
	require.NoError(t, err)

	r := awaitResult(t, result)
	require.Error(t, r.Err)
	var certErr *tls.CertificateVerificationError
	assert.True(t, errors.As(r.Err, &certErr), "expected certificate error, got %v", r.Err)

	require.Eventually(t, func() bool {
		_, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
		return errors.Is(err, ErrNotOpen)
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, tlswrap.Closed, c.TLSState())
}

func TestHTTPSSendRacingTLSFailureNeverHangs(t *testing.T) {
	certs := testutil.GenerateTestCerts(t, "localhost")
	proxy := testutil.NewProxy(t, serveTLS(certs, "unused"))

	c, err := DialHTTPS(context.Background(), options(proxy), "localhost:443", newID(t, capability.Https(capability.TLS12)), tlswrap.Config{
		Version: capability.TLS12,
	})
	require.NoError(t, err)
	defer c.Close()

	// keep sending while the handshake fails underneath; every accepted send
	// must still be answered
	var accepted []<-chan Result
	deadline := time.Now().Add(waitFor)
	for {
		result, err := c.Send(&httpframe.Request{Method: "GET", Path: "/"})
		if err != nil {
			require.True(t, errors.Is(err, ErrNotOpen), "expected ErrNotOpen, got %v", err)
			break
		}
		accepted = append(accepted, result)
		require.True(t, time.Now().Before(deadline), "connection never closed")
		time.Sleep(time.Millisecond)
	}

	require.NotEmpty(t, accepted)
	for _, result := range accepted {
		r := awaitResult(t, result)
		assert.Error(t, r.Err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialHTTP(ctx, Options{Dialer: &channel.PipeDialer{}, ProxyURL: "ws://proxy"}, "a:80", newID(t, capability.Http))
	assert.Error(t, err)
}
