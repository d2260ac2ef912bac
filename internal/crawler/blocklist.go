package crawler

import (
	"path"
	"strings"
)

// pathBlocklist rejects URL paths that cannot be documentation pages:
// site chrome, auth flows, and binary assets.
type pathBlocklist struct {
	segments   map[string]struct{}
	extensions map[string]struct{}
}

var defaultBlocklist = newPathBlocklist(
	[]string{
		"login", "logout", "signin", "signup", "register",
		"auth", "oauth", "sso", "account", "accounts", "admin",
		"cart", "checkout", "search",
		"static", "assets", "asset", "img", "images", "css", "js",
		"fonts", "media", "downloads", "cdn-cgi", "_next", "_static",
	},
	[]string{
		".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".bmp",
		".css", ".js", ".mjs", ".map", ".json", ".wasm",
		".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".rar",
		".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
		".mp3", ".mp4", ".avi", ".mov", ".webm", ".ogg", ".wav",
		".woff", ".woff2", ".ttf", ".eot", ".otf",
		".exe", ".dmg", ".pkg", ".deb", ".rpm", ".msi", ".apk",
		".jar", ".war", ".whl", ".bin", ".iso",
	},
)

func newPathBlocklist(segments, extensions []string) *pathBlocklist {
	b := &pathBlocklist{
		segments:   make(map[string]struct{}, len(segments)),
		extensions: make(map[string]struct{}, len(extensions)),
	}
	for _, s := range segments {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			b.segments[s] = struct{}{}
		}
	}
	for _, e := range extensions {
		e = strings.TrimSpace(strings.ToLower(e))
		if e != "" {
			b.extensions[e] = struct{}{}
		}
	}
	return b
}

// Blocked reports whether any path segment or the file extension is on
// the list.
func (b *pathBlocklist) Blocked(urlPath string) bool {
	if b == nil || urlPath == "" {
		return false
	}
	lower := strings.ToLower(urlPath)
	if ext := path.Ext(lower); ext != "" {
		if _, bad := b.extensions[ext]; bad {
			return true
		}
	}
	for _, seg := range strings.Split(strings.Trim(lower, "/"), "/") {
		if _, bad := b.segments[seg]; bad {
			return true
		}
	}
	return false
}
