package sandbox

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// refreshContent splits a refresh directive into delay and optional target
var refreshContent = regexp.MustCompile(`(?im)(\d+)([;,] ?url=['"]?(.+?)['"]?)?$`)

// Redirect is a navigation a refresh directive asks for
type Redirect struct {
	URL   string
	Delay time.Duration
}

// RewriteMeta neutralizes every meta refresh in doc and returns the
// navigations they requested, resolved against base. The caller schedules
// them through the host.
func RewriteMeta(doc *goquery.Document, base *url.URL) []Redirect {
	var redirects []Redirect

	doc.Find("meta[http-equiv]").Each(func(_ int, meta *goquery.Selection) {
		equiv, _ := meta.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return
		}
		meta.SetAttr("http-equiv", "")

		content, _ := meta.Attr("content")
		if content == "" {
			return
		}
		if r, ok := parseRefresh(content, base); ok {
			redirects = append(redirects, r)
		}
	})

	return redirects
}

func parseRefresh(content string, base *url.URL) (Redirect, bool) {
	m := refreshContent.FindStringSubmatch(content)
	if m == nil || m[1] == "" {
		return Redirect{}, false
	}

	secs, err := strconv.Atoi(m[1])
	if err != nil {
		return Redirect{}, false
	}

	target := m[3]
	if target == "" {
		target = "/"
	}
	ref, err := url.Parse(target)
	if err != nil {
		return Redirect{}, false
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}

	return Redirect{URL: ref.String(), Delay: time.Duration(secs) * time.Second}, true
}
