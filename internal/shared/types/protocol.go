package types

// ProtocolVersion is carried in every page load; the sandbox refuses a
// document push from a host speaking a different version.
const ProtocolVersion = "1.2.0"

// RPC channel names shared by host and sandbox
const (
	ChannelHTML          = "html"
	ChannelFavicon       = "favicon"
	ChannelEval          = "eval"
	ChannelNavigate      = "navigate"
	ChannelLocalStorage  = "local_storage"
	ChannelNetworkReport = "network-report"
)

// PageLoad is the document pushed host -> sandbox on channel html.
// HTML is nil when the document fetch failed; Error then carries the
// failure text and the sandbox renders an error page.
type PageLoad struct {
	URL          string            `json:"url"`
	HTML         *string           `json:"html"`
	FrameID      string            `json:"frame_id"`
	Error        string            `json:"error,omitempty"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
	Version      string            `json:"version"`
}

// PageAck is the sandbox's answer to a page load
type PageAck struct {
	Title     string `json:"title,omitempty"`
	Scripts   int    `json:"scripts"`
	Redirects int    `json:"redirects"`
	ErrorPage bool   `json:"error_page,omitempty"`
}

// NavigateArgs is sent sandbox -> host when content navigates
type NavigateArgs struct {
	FrameID string `json:"frame_id"`
	URL     string `json:"url"`
	Reload  bool   `json:"reload"`
}

// LocalStorageArgs carries the full key/value set of the page's origin
type LocalStorageArgs struct {
	FrameID string            `json:"frame_id"`
	Entries map[string]string `json:"entries"`
}

// NetworkReport is a request observed while the network was disabled
type NetworkReport struct {
	FrameID string `json:"frame_id"`
	URL     string `json:"url"`
}

// EvalArgs is the payload of an eval call
type EvalArgs struct {
	Script string `json:"script"`
}

// ConsoleEntry is one console line captured while evaluating
type ConsoleEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// EvalResult is the sandbox's answer to an eval call
type EvalResult struct {
	Value      interface{}    `json:"value"`
	Console    []ConsoleEntry `json:"console,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// FaviconResult names the icon of the loaded document
type FaviconResult struct {
	URL string `json:"url"`
}
