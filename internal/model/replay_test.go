package model

import (
	"encoding/json"
	"testing"
)

func TestReplay_IsNewerThan(t *testing.T) {
	tests := []struct {
		name      string
		published int64
		watermark int64
		want      bool
	}{
		{"after watermark", 1700000100, 1700000000, true},
		{"same second", 1700000000, 1700000000, false},
		{"before watermark", 1699999999, 1700000000, false},
		{"zero watermark", 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Replay{PublishedAt: tt.published}
			if got := r.IsNewerThan(tt.watermark); got != tt.want {
				t.Errorf("IsNewerThan(%d) = %v, want %v", tt.watermark, got, tt.want)
			}
		})
	}
}

// TestReplay_DecodesProviderFields はプロバイダAPIのフィールド名でデコードできることを検証する。
// vtimeは文字列で返される。
func TestReplay_DecodesProviderFields(t *testing.T) {
	raw := `{"vid":"991","userid":"1001","uname":"alice","title":"Hello","vtime":"1700000000","hlsvideosource":"https://cdn.example.com/991.m3u8"}`

	var r Replay
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if r.ID != "991" || r.UserID != "1001" || r.Broadcaster != "alice" {
		t.Errorf("unexpected ids: %+v", r)
	}
	if r.PublishedAt != 1700000000 {
		t.Errorf("PublishedAt = %d, want %d", r.PublishedAt, 1700000000)
	}
	if r.ManifestURL != "https://cdn.example.com/991.m3u8" {
		t.Errorf("ManifestURL = %q", r.ManifestURL)
	}
}

func TestNewResponse_SetsAPIVersion(t *testing.T) {
	resp := NewResponse(CodeOK, "Pong", nil)
	if resp.APIVersion != APIVersion {
		t.Errorf("APIVersion = %q, want %q", resp.APIVersion, APIVersion)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	want := `{"api_version":"1.1","code":200,"message":"Pong","data":null}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}
