package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/store"
)

// ResponseToEntry converts an HTTP response to a store entry.
// It reads the response body and restores it for the caller.
func ResponseToEntry(key string, resp *http.Response, capturedAt time.Time, kind store.SourceKind) (*store.Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))

	return &store.Entry{
		Key:        key,
		Data:       body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CapturedAt: capturedAt,
		SourceKind: kind,
	}, nil
}

// EntryToResponse converts a stored entry back into an HTTP response for req.
// HEAD responses keep the stored Content-Length since they carry no body.
func EntryToResponse(entry *store.Entry, req *http.Request) *http.Response {
	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	length := int64(len(entry.Data))
	if req != nil && req.Method == http.MethodHead {
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			length = n
		}
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))

	status := entry.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: length,
		Request:       req,
	}
}

// IsNavigation reports whether req is a full page navigation.
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// isReadMethod reports whether method is idempotent and safe to replay from cache.
func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}
