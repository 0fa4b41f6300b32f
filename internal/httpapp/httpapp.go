// Package httpapp implements the request/response policy carried over the
// reliable transport: building a GET/POST request, and on the server side,
// deciding between 200/304/400/404 and persisting POST bodies through a
// resource.Store.
package httpapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/kuuji/routemesh/internal/resource"
)

// timeLayout is the HTTP-date format used in If-Modified-Since headers,
// matching resource.Store's on-disk format.
const timeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// BuildGetRequest renders a GET request for resource, optionally carrying
// an If-Modified-Since header.
func BuildGetRequest(host, resourcePath string, ifModifiedSince time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\nHost: %s\r\n", resourcePath, host)
	if !ifModifiedSince.IsZero() {
		fmt.Fprintf(&b, "If-Modified-Since: %s\r\n", ifModifiedSince.UTC().Format(timeLayout))
	}
	b.WriteString("\r\n")
	return b.String()
}

// BuildPostRequest renders a POST request carrying body as its final line.
func BuildPostRequest(host, resourcePath, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\nHost: %s\r\n\r\n", resourcePath, host)
	b.WriteString(body)
	return b.String()
}

// newResourcePath is where a POST is redirected when it names a resource
// that already exists. If this name is taken as well, HandleRequest tries
// /new_resource_2.html, /new_resource_3.html, ... until it finds a free
// one, so a colliding POST never overwrites an existing resource.
const newResourcePath = "/new_resource.html"

// badRequest and notFound are the two response bodies the transport layer
// must carry with flags=17 (ACK+FIN, no PSH) instead of the normal
// ACK+PSH(+FIN) framing spec.md §4.4 uses for 200/304 — the isError return
// value tells the caller which framing to use.
const (
	badRequest = "HTTP/1.1 400 Bad Request\r\n\r\nInvalid Request"
	notFound   = "HTTP/1.1 404 Not Found\r\n\r\nResource Not Found"
)

// HandleRequest applies the server's response policy to a decoded HTTP
// request and returns the rendered response text plus whether it is an
// error response (400/404), grounded on the reference server's
// process_request.
func HandleRequest(store *resource.Store, request string) (response string, isError bool) {
	lines := strings.Split(request, "\r\n")
	if len(lines) == 0 {
		return badRequest, true
	}

	firstLine := strings.Fields(lines[0])
	if len(firstLine) < 2 {
		return badRequest, true
	}
	method := firstLine[0]
	path := firstLine[1]

	if method != "GET" && method != "POST" {
		return badRequest, true
	}

	if method == "POST" && store.Has(path) {
		path = newResourcePath
		for n := 2; store.Has(path); n++ {
			path = fmt.Sprintf("/new_resource_%d.html", n)
		}
	}

	if method == "GET" && !store.Has(path) {
		return notFound, true
	}

	var ifModifiedSince string
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "If-Modified-Since:") {
			ifModifiedSince = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			break
		}
	}

	switch {
	case ifModifiedSince != "":
		entry, _ := store.Get(path)
		since, err := time.Parse(timeLayout, ifModifiedSince)
		if err != nil {
			return badRequest, true
		}
		if !entry.LastModified.After(since) {
			return "HTTP/1.1 304 Not Modified\r\n\r\n", false
		}
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(entry.Data), entry.Data), false

	case method == "POST":
		body := ""
		if len(lines) > 0 {
			body = lines[len(lines)-1]
		}
		if _, err := store.Put(path, body); err != nil {
			return badRequest, true
		}
		return "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nPOST request successfully received.", false

	default:
		entry, _ := store.Get(path)
		return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(entry.Data), entry.Data), false
	}
}
