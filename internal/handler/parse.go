package handler

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// errMalformed covers every way an inbound request head can fail to parse,
// including exceeding the size limit without terminating — both map to a
// 400 response per spec.
var errMalformed = errors.New("handler: malformed request head")

// head is the result of ReadHead + Classify: everything the rest of the
// state machine needs to resolve, dial and forward/tunnel a request.
type head struct {
	method    string
	proto     string
	isConnect bool

	host string
	port int

	// path is the request-URI's path+query, used to rebuild the
	// request-target in either origin-form or absolute-form.
	path string

	// headerLines holds every header line as received, each terminated
	// by "\r\n", plus the final blank-line terminator. It is forwarded
	// byte-for-byte; only the request line is ever rewritten.
	headerLines []byte
}

// readHead reads request-line + headers (up to the blank line) from br,
// bounded by maxBytes, and classifies the result. Bytes br has already
// buffered past the head stay in br, so the caller can drain them before
// falling back to raw conn reads.
func readHead(br *bufio.Reader, maxBytes int) (*head, error) {
	total := 0
	readLine := func() (string, error) {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", errMalformed
		}
		total += len(line)
		if total > maxBytes {
			return "", errMalformed
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	requestLine, err := readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(requestLine, " ", 3)
	if len(parts) != 3 {
		return nil, errMalformed
	}

	h := &head{method: strings.ToUpper(parts[0]), proto: parts[2]}
	target := parts[1]

	headers := make(map[string]string)
	var headerBuf strings.Builder
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			headerBuf.WriteString("\r\n")
			break
		}
		headerBuf.WriteString(line)
		headerBuf.WriteString("\r\n")

		if i := strings.IndexByte(line, ':'); i > 0 {
			name := strings.ToLower(strings.TrimSpace(line[:i]))
			value := strings.TrimSpace(line[i+1:])
			headers[name] = value
		}
	}
	h.headerLines = []byte(headerBuf.String())

	if h.method == "CONNECT" {
		h.isConnect = true
		host, portStr, err := net.SplitHostPort(target)
		if err != nil {
			return nil, errMalformed
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, errMalformed
		}
		h.host, h.port = host, port
		return h, nil
	}

	host, port, path, err := classifyPlain(target, headers)
	if err != nil {
		return nil, err
	}
	h.host, h.port, h.path = host, port, path
	return h, nil
}

// classifyPlain derives the target host/port/path for a non-CONNECT
// request, preferring the absolute-URI request-target and falling back to
// the Host header for origin-form requests.
func classifyPlain(target string, headers map[string]string) (host string, port int, path string, err error) {
	if strings.Contains(target, "://") {
		u, perr := url.ParseRequestURI(target)
		if perr != nil || u.Hostname() == "" {
			return "", 0, "", errMalformed
		}
		host = u.Hostname()
		port = 80
		if p := u.Port(); p != "" {
			n, perr := strconv.Atoi(p)
			if perr != nil || n < 1 || n > 65535 {
				return "", 0, "", errMalformed
			}
			port = n
		}
		path = u.RequestURI()
		return host, port, path, nil
	}

	hostHeader := headers["host"]
	if hostHeader == "" {
		return "", 0, "", errMalformed
	}
	if h, p, serr := net.SplitHostPort(hostHeader); serr == nil {
		host = h
		n, perr := strconv.Atoi(p)
		if perr != nil || n < 1 || n > 65535 {
			return "", 0, "", errMalformed
		}
		port = n
	} else {
		host = hostHeader
		port = 80
	}
	path = target
	if path == "" {
		path = "/"
	}
	return host, port, path, nil
}

// requestLine rebuilds "METHOD target PROTO\r\n" for a plain request,
// using origin-form (just the path) or absolute-form (scheme://host:port
// + path) depending on where it is being forwarded.
func (h *head) requestLine(absolute bool) []byte {
	target := h.path
	if absolute {
		target = fmt.Sprintf("http://%s%s", net.JoinHostPort(h.host, strconv.Itoa(h.port)), h.path)
	}
	return []byte(fmt.Sprintf("%s %s %s\r\n", h.method, target, h.proto))
}

// forwardBytes reconstructs the full request head to write to an upstream
// connection, with only the request-target rewritten.
func (h *head) forwardBytes(absolute bool) []byte {
	out := make([]byte, 0, len(h.headerLines)+64)
	out = append(out, h.requestLine(absolute)...)
	out = append(out, h.headerLines...)
	return out
}
