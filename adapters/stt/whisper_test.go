package stt

import "testing"

func TestSniffExtension(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"wav", []byte("RIFF\x24\x08\x00\x00WAVE"), "wav"},
		{"webm", []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01}, "webm"},
		{"mp3 id3", []byte("ID3\x04\x00"), "mp3"},
		{"mp3 frame sync", []byte{0xff, 0xfb, 0x90, 0x00}, "mp3"},
		{"ogg", []byte("OggS\x00\x02"), "ogg"},
		{"unknown defaults to wav", []byte{0x00, 0x01, 0x02, 0x03}, "wav"},
		{"short payload", []byte{0x52}, "wav"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffExtension(tt.data); got != tt.want {
				t.Errorf("sniffExtension = %q, want %q", got, tt.want)
			}
		})
	}
}
