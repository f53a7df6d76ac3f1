package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// StoredResponse 是写入时刻的不可变响应快照，仅由 Store 持有；
// 调用方通过 Response 获得独立可读的 *http.Response。
type StoredResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// framingHeaders 与具体连接相关，不随快照保存。
var framingHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Snapshot 显式地把响应拆成两份独立副本：读取一次正文后，
// 返回的 *http.Response 拥有可重新读取的 Body，StoredResponse 拥有自己的字节拷贝。
// 原始 resp.Body 会被关闭。
func Snapshot(resp *http.Response) (*http.Response, *StoredResponse, error) {
	if resp == nil {
		return nil, nil, fmt.Errorf("snapshot: nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: read body: %w", err)
		}
		body = data
	}

	callerCopy := *resp
	callerCopy.Header = resp.Header.Clone()
	callerCopy.Body = io.NopCloser(bytes.NewReader(body))
	callerCopy.ContentLength = int64(len(body))
	callerCopy.TransferEncoding = nil
	callerCopy.Header.Del("Transfer-Encoding")
	callerCopy.Header.Set("Content-Length", strconv.Itoa(len(body)))

	stored := &StoredResponse{
		Status:   resp.StatusCode,
		Header:   storableHeader(resp.Header),
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
	return &callerCopy, stored, nil
}

// Response 为每次读取构造新的 *http.Response，正文互不影响。
func (s *StoredResponse) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func storableHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return http.Header{}
	}
	for _, key := range framingHeaders {
		dst.Del(key)
	}
	return dst
}

const entryPrefix = "---SWPROXY-RESPONSE---\n"

// encodeEntry 以 httputil.DumpResponse 格式序列化快照，前缀行附带写入时间。
func encodeEntry(s *StoredResponse) ([]byte, error) {
	resp := s.Response(nil)
	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("dump response: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(entryPrefix) + 40 + len(dump))
	buf.WriteString(entryPrefix)
	buf.WriteString("Stored-At: " + s.StoredAt.UTC().Format(time.RFC3339Nano) + "\n")
	buf.Write(dump)
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*StoredResponse, error) {
	if !bytes.HasPrefix(data, []byte(entryPrefix)) {
		return nil, fmt.Errorf("invalid cache entry prefix")
	}
	reader := bufio.NewReader(bytes.NewReader(data[len(entryPrefix):]))

	line, err := textproto.NewReader(reader).ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read stored-at line: %w", err)
	}
	raw, ok := strings.CutPrefix(line, "Stored-At: ")
	if !ok {
		return nil, fmt.Errorf("missing stored-at line")
	}
	storedAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored-at: %w", err)
	}

	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &StoredResponse{
		Status:   resp.StatusCode,
		Header:   storableHeader(resp.Header),
		Body:     body,
		StoredAt: storedAt,
	}, nil
}
