package parser

import (
	"sort"
	"strings"
)

var techKeywords = map[string]string{
	"nginx":        "nginx",
	"apache":       "Apache",
	"iis":          "IIS",
	"cloudflare":   "Cloudflare",
	"cloudfront":   "CloudFront",
	"akamai":       "Akamai",
	"varnish":      "Varnish",
	"php":          "PHP",
	"asp.net":      "ASP.NET",
	"express":      "Express",
	"next.js":      "Next.js",
	"wordpress":    "WordPress",
	"wp-":          "WordPress",
	"drupal":       "Drupal",
	"joomla":       "Joomla",
	"litespeed":    "LiteSpeed",
	"openresty":    "OpenResty",
	"gunicorn":     "Gunicorn",
	"envoy":        "Envoy",
	"amazons3":     "Amazon S3",
	"vercel":       "Vercel",
	"netlify":      "Netlify",
	"shopify":      "Shopify",
	"laravel":      "Laravel",
	"phpsessid":    "PHP",
	"jsessionid":   "Java",
	"asp.net_sess": "ASP.NET",
}

// ParseTechStack lists technologies visible in response headers: the Server
// and X-Powered-By values plus known keywords anywhere in the output.
func ParseTechStack(raw string) []string {
	found := make(map[string]struct{})
	headers := parseHeaderNames(raw)
	for _, key := range []string{"server", "x-powered-by"} {
		if v := headers[key]; v != "" {
			found[v] = struct{}{}
		}
	}

	lower := strings.ToLower(raw)
	for kw, name := range techKeywords {
		if strings.Contains(lower, kw) {
			found[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
