package policy

import (
	"net/url"
	"strings"
)

// JoinPath 将站点内路径挂到源站基础路径之下，结果总以 / 开头。
func JoinPath(base, p string) string {
	if base == "" || base == "/" {
		if p == "" {
			return "/"
		}
		if !strings.HasPrefix(p, "/") {
			return "/" + p
		}
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// AssetURL returns the upstream URL of a site path such as /app.html.
func AssetURL(origin *url.URL, p string) *url.URL {
	target := *origin
	target.Path = JoinPath(origin.Path, p)
	target.RawPath = ""
	target.RawQuery = ""
	target.Fragment = ""
	return &target
}

// SitePath strips the origin's base path from u. URLs of other origins are
// returned as is.
func SitePath(origin, u *url.URL) string {
	if origin == nil || !sameOrigin(origin, u) {
		return u.Path
	}
	base := strings.TrimSuffix(origin.Path, "/")
	if base == "" {
		return u.Path
	}
	if u.Path != base && !strings.HasPrefix(u.Path, base+"/") {
		return u.Path
	}
	return "/" + strings.TrimPrefix(strings.TrimPrefix(u.Path, base), "/")
}

func sameOrigin(origin, u *url.URL) bool {
	return strings.EqualFold(origin.Scheme, u.Scheme) && strings.EqualFold(origin.Host, u.Host)
}
