package worker

import (
	"encoding/json"
	"strings"

	"github.com/GriffinCanCode/proxyframe/internal/cache"
)

// Bootstrap is the script a native worker starts with. It configures the
// sandbox runtime through the __proxy global before running the target.
type Bootstrap struct {
	BaseURL string
	FrameID string
	Network bool
	Seeds   []cache.Seed
	Script  string
}

// Render emits the bootstrap as JavaScript. Every string is JSON-encoded,
// so arbitrary URLs and script text cannot break out of their literal.
func (b Bootstrap) Render() string {
	var sb strings.Builder

	for _, seed := range b.Seeds {
		contents := "false"
		if seed.Contents != nil {
			contents = quote(*seed.Contents)
		}
		sb.WriteString("__proxy.network.cache_put(")
		sb.WriteString(quote(seed.URL))
		sb.WriteString(", ")
		sb.WriteString(contents)
		sb.WriteString(");\n")
	}

	sb.WriteString("__proxy.loader.set_url(" + quote(b.BaseURL) + ");\n")
	sb.WriteString("__proxy.loader.set_frame_id(" + quote(b.FrameID) + ");\n")
	if b.Network {
		sb.WriteString("__proxy.network.enable_network();\n")
	}
	sb.WriteString("__proxy.context.run_script(" + quote(b.Script) + ");\n")

	return sb.String()
}

func quote(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}
