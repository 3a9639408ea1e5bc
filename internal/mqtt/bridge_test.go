//go:build !no_mqtt

package mqtt

import "testing"

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"bare on", "ON", "ON"},
		{"bare off lowercase", "off", "OFF"},
		{"bare toggle with whitespace", " toggle\n", "TOGGLE"},
		{"json form", `{"state":"ON"}`, "ON"},
		{"json form lowercase", `{"state":"off"}`, "OFF"},
		{"json without state falls back to raw", `{"brightness":50}`, `{"BRIGHTNESS":50}`},
		{"garbage stays raw", "blink", "BLINK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseCommand([]byte(tt.payload)); got != tt.want {
				t.Errorf("parseCommand(%q) = %q, want %q", tt.payload, got, tt.want)
			}
		})
	}
}
