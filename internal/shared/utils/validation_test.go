package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetURL(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		notHTTP bool
		wantErr bool
	}{
		{name: "https", raw: "https://example.com/a?b=1", want: "https://example.com/a?b=1"},
		{name: "surrounding space", raw: "  http://example.com/ ", want: "http://example.com/"},
		{name: "empty", raw: "", wantErr: true},
		{name: "relative", raw: "/index.html", notHTTP: true},
		{name: "no host", raw: "https://", notHTTP: true},
		{name: "file scheme", raw: "file:///etc/passwd", notHTTP: true},
		{name: "javascript", raw: "javascript:alert(1)", notHTTP: true},
		{name: "null byte", raw: "https://example.com/\x00", wantErr: true},
		{name: "too long", raw: "https://example.com/" + strings.Repeat("a", MaxURLLength), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseTargetURL(tt.raw)
			switch {
			case tt.notHTTP:
				assert.ErrorIs(t, err, ErrNotHTTP)
			case tt.wantErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, u.String())
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("frame_01HZX-abc", "frame", true))
	assert.NoError(t, ValidateID("", "frame", false))
	assert.Error(t, ValidateID("", "frame", true))
	assert.Error(t, ValidateID("../etc", "frame", true))
	assert.Error(t, ValidateID(strings.Repeat("a", MaxIDLength+1), "frame", true))
}

func TestValidateScript(t *testing.T) {
	assert.NoError(t, ValidateScript("document.title"))
	assert.Error(t, ValidateScript("   \n"))
	assert.Error(t, ValidateScript(strings.Repeat("x", MaxScriptSize+1)))
}

func TestValidateStorageEntries(t *testing.T) {
	assert.NoError(t, ValidateStorageEntries(map[string]string{"theme": "dark"}))

	many := make(map[string]string, MaxStorageKeys+1)
	for i := 0; i <= MaxStorageKeys; i++ {
		many[strings.Repeat("k", i+1)] = ""
	}
	assert.Error(t, ValidateStorageEntries(many))

	assert.Error(t, ValidateStorageEntries(map[string]string{"big": strings.Repeat("v", MaxStorageBytes)}))
}
