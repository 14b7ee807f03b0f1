// Package wsbridge upgrades an incoming HTTP connection to a WebSocket and
// splices it byte-for-byte to the matching worker's own WebSocket endpoint.
package wsbridge

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ixpantia/faucet-go/internal/ferror"
	"github.com/ixpantia/faucet-go/internal/state"
)

const dialTimeout = 2 * time.Second

// secWebSocketMagic is the fixed GUID RFC 6455 has clients and servers
// append to the handshake key before hashing.
const secWebSocketMagic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ComputeAccept derives the Sec-WebSocket-Accept header value for a given
// Sec-WebSocket-Key, per RFC 6455 section 1.3.
func ComputeAccept(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(secWebSocketMagic))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IsUpgradeRequest reports whether req is asking to switch to the
// WebSocket protocol.
func IsUpgradeRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// Bridge hijacks the client's connection, completes the WebSocket
// handshake by hand, dials the given worker address, and then splices
// bytes bidirectionally between the two connections until either side
// closes.
func Bridge(w http.ResponseWriter, req *http.Request, workerAddr string) error {
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return ferror.Wrap(ferror.ErrBadRequest, "missing Sec-WebSocket-Key header")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("response writer does not support hijacking")
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return fmt.Errorf("hijack client connection: %w", err)
	}

	upstream, err := net.DialTimeout("tcp", workerAddr, dialTimeout)
	if err != nil {
		clientConn.Close()
		return ferror.Wrap(ferror.ErrUpstream, "dial worker %s", workerAddr)
	}

	if err := forwardHandshake(upstream, req, key); err != nil {
		clientConn.Close()
		upstream.Close()
		return fmt.Errorf("forward websocket handshake: %w", err)
	}

	upstreamReader := bufio.NewReader(upstream)
	upstreamResp, err := http.ReadResponse(upstreamReader, req)
	if err != nil {
		clientConn.Close()
		upstream.Close()
		return fmt.Errorf("read upstream handshake response: %w", err)
	}
	upstreamResp.Body.Close()
	if upstreamResp.StatusCode != http.StatusSwitchingProtocols {
		clientConn.Close()
		upstream.Close()
		return ferror.Wrap(ferror.ErrUpstream, "worker refused websocket upgrade with status %d", upstreamResp.StatusCode)
	}

	accept := ComputeAccept(key)
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if _, err := clientBuf.WriteString(response); err != nil {
		clientConn.Close()
		upstream.Close()
		return fmt.Errorf("write 101 response: %w", err)
	}
	if err := clientBuf.Flush(); err != nil {
		clientConn.Close()
		upstream.Close()
		return fmt.Errorf("flush 101 response: %w", err)
	}

	state.AddConnection()
	go spliceAndClose(clientConn, clientBuf, upstream, upstreamReader)
	return nil
}

// forwardHandshake replays the client's upgrade request line and headers to
// the worker so its own WebSocket server performs (and validates) the
// handshake against the same key, path, and headers the client sent.
func forwardHandshake(upstream net.Conn, req *http.Request, key string) error {
	var b strings.Builder
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	for name, values := range req.Header {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")
	_, err := upstream.Write([]byte(b.String()))
	return err
}

// spliceAndClose copies bytes in both directions between the client and
// the worker until one side closes, then tears down the other. It runs in
// its own goroutine and owns both connections for the remainder of their
// lifetime.
func spliceAndClose(client net.Conn, clientBuf *bufio.ReadWriter, upstream net.Conn, upstreamReader *bufio.Reader) {
	defer state.RemoveConnection()
	defer client.Close()
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(client, upstreamReader)
		done <- struct{}{}
	}()
	<-done
	log.Printf("[ws] bridge to %s closed", upstream.RemoteAddr())
}
