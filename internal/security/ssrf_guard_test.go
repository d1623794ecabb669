package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClientTimeout はタイムアウト設定が反映されることをテストする。
func TestNewSafeClientTimeout(t *testing.T) {
	for _, allowPrivate := range []bool{false, true} {
		guard := NewSSRFGuard(allowPrivate)
		timeout := 5 * time.Second
		client := guard.NewSafeClient(timeout)
		if client.Timeout != timeout {
			t.Errorf("allowPrivate=%v: expected timeout %v, got %v", allowPrivate, timeout, client.Timeout)
		}
	}
}

// TestNewSafeClientHasTransport はSafeClientにカスタムTransportが設定されていることをテストする。
func TestNewSafeClientHasTransport(t *testing.T) {
	client := NewSSRFGuard(false).NewSafeClient(5 * time.Second)

	if client.Transport == nil {
		t.Fatal("expected custom Transport to be set, got nil")
	}
	if client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport, got http.DefaultTransport")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストをブロックすることをテストする。
// httptestサーバーは127.0.0.1で起動されるため、safeurlがブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(false).NewSafeClient(5 * time.Second)

	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestNewSafeClient_AllowPrivate はallowPrivate有効時にループバックへ到達できることをテストする。
func TestNewSafeClient_AllowPrivate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard(true).NewSafeClient(5 * time.Second)

	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("expected request to succeed, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

// TestValidateURL_PublicURL は公開URLの検証が成功することをテストする。
func TestValidateURL_PublicURL(t *testing.T) {
	guard := NewSSRFGuard(false)

	publicURLs := []string{
		"https://cdn.example.com/live/12345/index.m3u8",
		"https://cdn.example.com/live/12345/seg-001.ts",
		"http://media.example.org/playlist.m3u8",
	}

	for _, u := range publicURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err != nil {
				t.Errorf("ValidateURL(%q) returned error: %v", u, err)
			}
		})
	}
}

// TestValidateURL_BlockedAddresses は内部アドレスの拒否をテストする。
func TestValidateURL_BlockedAddresses(t *testing.T) {
	guard := NewSSRFGuard(false)

	blocked := []string{
		"http://10.0.0.1/seg.ts",
		"http://172.16.0.1/seg.ts",
		"http://192.168.1.100/seg.ts",
		"http://127.0.0.1/seg.ts",
		"http://localhost/seg.ts",
		"http://169.254.169.254/latest/meta-data/",
		"http://[::1]/seg.ts",
		"http://0.0.0.0/seg.ts",
	}

	for _, u := range blocked {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error", u)
			}
		})
	}
}

// TestValidateURL_InvalidURL は無効なURLの検証が失敗することをテストする。
func TestValidateURL_InvalidURL(t *testing.T) {
	for _, allowPrivate := range []bool{false, true} {
		guard := NewSSRFGuard(allowPrivate)

		invalidURLs := []string{
			"",
			"not-a-url",
			"ftp://example.com/seg.ts",
			"file:///etc/passwd",
		}

		for _, u := range invalidURLs {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("allowPrivate=%v: ValidateURL(%q) should have returned error", allowPrivate, u)
			}
		}
	}
}

// TestValidateURL_AllowPrivate はallowPrivate有効時に内部アドレスが許可されることをテストする。
func TestValidateURL_AllowPrivate(t *testing.T) {
	guard := NewSSRFGuard(true)

	if err := guard.ValidateURL("http://127.0.0.1:8080/index.m3u8"); err != nil {
		t.Errorf("ValidateURL returned error: %v", err)
	}
}

// TestSSRFGuardInterface はSSRFGuardがインターフェースを正しく実装していることをテストする。
func TestSSRFGuardInterface(t *testing.T) {
	var _ SSRFGuardService = NewSSRFGuard(false)
}
