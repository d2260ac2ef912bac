package extract

import (
	"bytes"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Extensions that never point at documentation pages.
var binaryExtensions = map[string]bool{
	".avif": true, ".css": true, ".dmg": true, ".eot": true, ".exe": true,
	".gif": true, ".gz": true, ".ico": true, ".jar": true, ".jpeg": true,
	".jpg": true, ".js": true, ".mp3": true, ".mp4": true, ".pdf": true,
	".png": true, ".svg": true, ".tar": true, ".tgz": true, ".ttf": true,
	".war": true, ".webm": true, ".webp": true, ".woff": true, ".woff2": true,
	".zip": true,
}

// Links parses rawHTML and returns the same-host links resolved against
// baseURL, in document order, deduplicated.
func Links(rawHTML []byte, baseURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, err
	}
	return extractLinks(doc, baseURL), nil
}

func extractLinks(doc *goquery.Document, baseURL string) []string {
	base, err := url.Parse(baseURL)
	if err != nil || base.Host == "" {
		return nil
	}

	seen := make(map[string]bool)
	var links []string

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if !plausibleHref(href) {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		if !keepLink(resolved, base) {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})

	return links
}

func plausibleHref(href string) bool {
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	return true
}

func keepLink(resolved, base *url.URL) bool {
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return false
	}
	if !strings.EqualFold(resolved.Hostname(), base.Hostname()) {
		return false
	}
	ext := strings.ToLower(path.Ext(resolved.Path))
	return !binaryExtensions[ext]
}
