package proto

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"HTTP/1.1", HTTP11, false},
		{"http_1_1", HTTP11, false},
		{"h2", HTTP2, false},
		{"HTTP/2", HTTP2, false},
		{" HTTP_2 ", HTTP2, false},
		{"HTTP/3", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFromALPN(t *testing.T) {
	tests := []struct {
		protocol string
		want     Version
		ok       bool
	}{
		{"h2", HTTP2, true},
		{"http/1.1", HTTP11, true},
		{"", HTTP11, true},
		{"spdy/3", 0, false},
	}

	for _, tt := range tests {
		got, ok := FromALPN(tt.protocol)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FromALPN(%q): expected (%v, %v), got (%v, %v)", tt.protocol, tt.want, tt.ok, got, ok)
		}
	}
}

func TestALPNRoundTrip(t *testing.T) {
	for _, v := range []Version{HTTP11, HTTP2} {
		got, ok := FromALPN(v.ALPN())
		if !ok || got != v {
			t.Errorf("Expected %v, got %v", v, got)
		}
	}
	if Version(0).Valid() {
		t.Error("Expected zero version to be invalid")
	}
}

func TestVersionText(t *testing.T) {
	var v Version
	if err := v.UnmarshalText([]byte("h2")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if v != HTTP2 {
		t.Errorf("Expected %v, got %v", HTTP2, v)
	}
	if err := v.UnmarshalText([]byte("gopher")); err == nil {
		t.Error("Expected error for unknown version")
	}
	if v != HTTP2 {
		t.Errorf("Expected failed decode to leave %v, got %v", HTTP2, v)
	}

	text, err := HTTP11.MarshalText()
	if err != nil || string(text) != "HTTP/1.1" {
		t.Errorf("Expected HTTP/1.1, got %q (%v)", text, err)
	}
	if _, err := Version(9).MarshalText(); err == nil {
		t.Error("Expected error for invalid version")
	}
}
