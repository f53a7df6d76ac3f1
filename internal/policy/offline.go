package policy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// DefaultOfflineMessage is the 503 body when none is configured.
const DefaultOfflineMessage = "Offline: this resource cannot be loaded right now"

// IsNavigation reports whether req is a top-level page load.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document")
}

// Unavailable builds the synthesized 503 returned when neither the network
// nor the cache can answer.
func Unavailable(req *http.Request, message string) *http.Response {
	if message == "" {
		message = DefaultOfflineMessage
	}
	body := []byte(message)
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
