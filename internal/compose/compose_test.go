package compose

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/sinanerdinc/mockpod/internal/ruleengine"
)

func TestOverlay_MockStatusReplacesUpstream(t *testing.T) {
	up := Upstream{StatusCode: 200, Headers: []ruleengine.Header{{Name: "Set-Cookie", Value: "s=1"}}, Body: []byte(`{"real":true}`)}
	mock := ruleengine.MockResponse{StatusCode: 500, Body: `{"mocked":true}`}

	resp := Overlay(up, mock, "my-rule")
	if resp.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if string(resp.Body) != `{"mocked":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if v, ok := ruleengine.Get(resp.Headers, "Set-Cookie"); !ok || v != "s=1" {
		t.Errorf("expected Set-Cookie preserved, got %q, %v", v, ok)
	}
	if v, ok := ruleengine.Get(resp.Headers, MarkerHeader); !ok || v != "my-rule" {
		t.Errorf("expected marker header, got %q, %v", v, ok)
	}
}

func TestOverlay_EmptyMockBodyKeepsUpstreamBody(t *testing.T) {
	up := Upstream{StatusCode: 200, Body: []byte("upstream-body")}
	mock := ruleengine.MockResponse{StatusCode: 204}

	resp := Overlay(up, mock, "r")
	if string(resp.Body) != "upstream-body" {
		t.Errorf("Body = %q, want upstream body preserved", resp.Body)
	}
}

func TestOverlay_MockHeaderReplacesUpstreamHeader(t *testing.T) {
	up := Upstream{Headers: []ruleengine.Header{{Name: "X-Env", Value: "prod"}}}
	mock := ruleengine.MockResponse{Headers: []ruleengine.Header{{Name: "X-Env", Value: "mock"}}}

	resp := Overlay(up, mock, "r")
	v, _ := ruleengine.Get(resp.Headers, "X-Env")
	if v != "mock" {
		t.Errorf("X-Env = %q, want replaced by mock", v)
	}
}

func TestSynthesize_DefaultsContentType(t *testing.T) {
	mock := ruleengine.MockResponse{StatusCode: 418, Body: "hello"}
	resp := Synthesize(mock, "r")
	v, ok := ruleengine.Get(resp.Headers, "Content-Type")
	if !ok || v != "application/json" {
		t.Errorf("Content-Type = %q, %v, want application/json default", v, ok)
	}
}

func TestSynthesize_RespectsExplicitContentType(t *testing.T) {
	mock := ruleengine.MockResponse{
		StatusCode: 200,
		Headers:    []ruleengine.Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:       "hello",
	}
	resp := Synthesize(mock, "r")
	v, _ := ruleengine.Get(resp.Headers, "Content-Type")
	if v != "text/plain" {
		t.Errorf("Content-Type = %q, want explicit value preserved", v)
	}
}

func TestSynthesize_AppendsMarker(t *testing.T) {
	resp := Synthesize(ruleengine.MockResponse{StatusCode: 200}, "named-rule")
	if v, ok := ruleengine.Get(resp.Headers, MarkerHeader); !ok || v != "named-rule" {
		t.Errorf("expected marker header, got %q, %v", v, ok)
	}
}

func TestPassthrough_StripsHopByHop(t *testing.T) {
	up := Upstream{
		StatusCode: 200,
		Headers: []ruleengine.Header{
			{Name: "Transfer-Encoding", Value: "chunked"},
			{Name: "Content-Encoding", Value: "gzip"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "X-Kept", Value: "1"},
		},
		Body: []byte("body"),
	}
	resp := Passthrough(up)
	for _, stripped := range []string{"Transfer-Encoding", "Content-Encoding", "Connection"} {
		if _, ok := ruleengine.Get(resp.Headers, stripped); ok {
			t.Errorf("%s should have been stripped", stripped)
		}
	}
	if v, ok := ruleengine.Get(resp.Headers, "X-Kept"); !ok || v != "1" {
		t.Error("expected non-hop-by-hop header preserved")
	}
	if _, ok := ruleengine.Get(resp.Headers, MarkerHeader); ok {
		t.Error("passthrough must never carry the marker header")
	}
}

func TestFinalize_SetsExactlyOneContentLengthAndConnection(t *testing.T) {
	resp := Response{StatusCode: 200, Body: []byte("0123456789abcdef")} // 16 bytes
	final := Finalize(resp, true)

	v, ok := ruleengine.Get(final.Headers, "Content-Length")
	if !ok || v != "16" {
		t.Errorf("Content-Length = %q, %v, want 16", v, ok)
	}
	count := 0
	for _, h := range final.Headers {
		if h.Name == "Content-Length" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one Content-Length header, got %d", count)
	}

	conn, _ := ruleengine.Get(final.Headers, "Connection")
	if conn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", conn)
	}
}

func TestFinalize_ConnectionClose(t *testing.T) {
	final := Finalize(Response{}, false)
	conn, _ := ruleengine.Get(final.Headers, "Connection")
	if conn != "close" {
		t.Errorf("Connection = %q, want close", conn)
	}
}

func TestFinalize_NoTransferEncodingOrContentEncoding(t *testing.T) {
	resp := Response{Headers: []ruleengine.Header{
		{Name: "Transfer-Encoding", Value: "chunked"},
		{Name: "Content-Encoding", Value: "gzip"},
	}}
	final := Finalize(resp, true)
	if _, ok := ruleengine.Get(final.Headers, "Transfer-Encoding"); ok {
		t.Error("Transfer-Encoding should be stripped by Finalize")
	}
	if _, ok := ruleengine.Get(final.Headers, "Content-Encoding"); ok {
		t.Error("Content-Encoding should be stripped by Finalize")
	}
}

func TestIsCertRequest_ByHost(t *testing.T) {
	if !IsCertRequest("mockpod.local", "/anything") {
		t.Error("expected host mockpod.local to match")
	}
	if !IsCertRequest("mockpod.local:443", "/anything") {
		t.Error("expected host:port form to match on host")
	}
}

func TestIsCertRequest_ByPath(t *testing.T) {
	if !IsCertRequest("example.test", "/mockpod/cert") {
		t.Error("expected /mockpod/cert path to match regardless of host")
	}
}

func TestIsCertRequest_NoMatch(t *testing.T) {
	if IsCertRequest("example.test", "/other") {
		t.Error("expected no match for unrelated host/path")
	}
}

func TestCertDownloadResponse_Headers(t *testing.T) {
	resp := CertDownloadResponse([]byte("der-bytes"))
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	ct, _ := ruleengine.Get(resp.Headers, "Content-Type")
	if ct != "application/x-x509-ca-cert" {
		t.Errorf("Content-Type = %q", ct)
	}
	cd, _ := ruleengine.Get(resp.Headers, "Content-Disposition")
	if !strings.Contains(cd, "MockpodCA.der") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if string(resp.Body) != "der-bytes" {
		t.Errorf("Body = %q", resp.Body)
	}
}

func TestHeadersFromHTTP(t *testing.T) {
	h := http.Header{}
	h.Set("X-Foo", "bar")
	got := HeadersFromHTTP(h)
	v, ok := ruleengine.Get(got, "X-Foo")
	if !ok || v != "bar" {
		t.Errorf("HeadersFromHTTP did not preserve X-Foo: %v", got)
	}
}

func TestWriteHTTP11_WellFormedMessage(t *testing.T) {
	resp := Finalize(Response{StatusCode: 200, Body: []byte("hi")}, true)
	var buf bytes.Buffer
	if err := WriteHTTP11(&buf, resp); err != nil {
		t.Fatalf("WriteHTTP11: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("unexpected status line: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Errorf("expected Content-Length: 2, got %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nhi") {
		t.Errorf("expected body after blank line, got %q", out)
	}
}

func TestWriteHTTP11_DropsInvalidHeaders(t *testing.T) {
	resp := Response{
		StatusCode: 200,
		Headers: []ruleengine.Header{
			{Name: "X-Good", Value: "fine"},
			{Name: "X-Injected\r\nEvil", Value: "1"},
			{Name: "X-Bad-Value", Value: "line1\r\nSet-Cookie: evil=1"},
		},
		Body: []byte("ok"),
	}
	var buf bytes.Buffer
	if err := WriteHTTP11(&buf, resp); err != nil {
		t.Fatalf("WriteHTTP11: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "X-Good: fine\r\n") {
		t.Errorf("expected valid header preserved, got %q", out)
	}
	if strings.Contains(out, "X-Injected") || strings.Contains(out, "evil=1") {
		t.Errorf("expected malformed/injected headers dropped, got %q", out)
	}
}
