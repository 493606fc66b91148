package filters

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

var urlRegex = regexp.MustCompile(`(?i)(?:https?://|\bt\.me/|\bwww\.)[^\s]+`)

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

func ExtractURLs(content string) []string {
	return urlRegex.FindAllString(content, -1)
}

// NormalizeURL lowercases and punycodes the host, strips credentials,
// fragments and tracking parameters, and returns the URL with its host.
func NormalizeURL(raw string) (string, string, error) {
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}
	host = strings.TrimPrefix(host, "www.")

	parsed.Host = host
	parsed.Fragment = ""
	parsed.User = nil

	query := parsed.Query()
	for _, key := range trackingParams {
		query.Del(key)
	}
	parsed.RawQuery = normalizeQuery(query)

	return parsed.String(), host, nil
}

func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = values[key]
	}
	return clean.Encode()
}

// DomainList matches hosts against a set of domains, including subdomains.
type DomainList map[string]struct{}

func NewDomainList(domains []string) DomainList {
	list := make(DomainList, len(domains))
	for _, domain := range domains {
		domain = strings.TrimSpace(strings.ToLower(domain))
		if domain == "" {
			continue
		}
		if ascii, err := idna.ToASCII(domain); err == nil {
			domain = ascii
		}
		list[strings.TrimPrefix(domain, "www.")] = struct{}{}
	}
	return list
}

func (l DomainList) Contains(host string) bool {
	host = strings.ToLower(host)
	for host != "" {
		if _, ok := l[host]; ok {
			return true
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return false
		}
		host = host[dot+1:]
	}
	return false
}

// BlockedLink returns the first link in text whose host is on the list.
func (l DomainList) BlockedLink(text string) (string, bool) {
	if len(l) == 0 {
		return "", false
	}
	for _, raw := range ExtractURLs(text) {
		normalized, host, err := NormalizeURL(raw)
		if err != nil {
			continue
		}
		if l.Contains(host) {
			return normalized, true
		}
	}
	return "", false
}
