package httpproxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

type directDialer struct{}

func (directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func fakeProxy(t *testing.T, status string, recordReq func(line string)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		br := bufio.NewReader(conn)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		if recordReq != nil {
			recordReq(line)
		}
		// Drain headers until blank line.
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" || l == "\n" {
				break
			}
		}
		conn.Write([]byte(status))
	}()
	return ln.Addr().String()
}

func TestDialConnect_Success(t *testing.T) {
	var reqLine string
	addr := fakeProxy(t, "HTTP/1.1 200 Connection Established\r\n\r\n", func(l string) { reqLine = l })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialConnect(ctx, directDialer{}, addr, "example.test:443", time.Second)
	if err != nil {
		t.Fatalf("DialConnect: %v", err)
	}
	defer conn.Close()

	want := "CONNECT example.test:443 HTTP/1.1\r\n"
	if reqLine != want {
		t.Fatalf("request line = %q, want %q", reqLine, want)
	}
}

func TestDialConnect_NonSuccessStatus(t *testing.T) {
	addr := fakeProxy(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialConnect(ctx, directDialer{}, addr, "example.test:443", time.Second)
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("err = %v (%T), want *StatusError", err, err)
	}
	if se.Code != http.StatusProxyAuthRequired {
		t.Fatalf("code = %d, want %d", se.Code, http.StatusProxyAuthRequired)
	}
}
