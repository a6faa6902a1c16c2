package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://localhost:8000", want: "ws://localhost:8000/frames/frame_x/sandbox"},
		{base: "https://host.example/ignored", want: "wss://host.example/frames/frame_x/sandbox"},
		{base: "ws://10.0.0.1:9000", want: "ws://10.0.0.1:9000/frames/frame_x/sandbox"},
		{base: "ftp://host", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := sandboxURL(tt.base, "frame_x")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
