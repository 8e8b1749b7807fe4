package merge

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters stripped during URL canonicalization.
// Everything else in the query survives, so content-bearing params still
// distinguish sources.
var trackingParams = map[string]struct{}{
	"gclid": {}, "fbclid": {}, "msclkid": {}, "ref": {}, "ref_src": {},
}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

// CanonicalURL normalizes a source URL for dedup: lowercased scheme and host,
// trailing slash stripped, tracking query params dropped, fragment dropped.
func CanonicalURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}

	q := parsed.Query()
	kept := url.Values{}
	for key, vals := range q {
		if isTrackingParam(strings.ToLower(key)) {
			continue
		}
		kept[key] = vals
	}
	query := ""
	if len(kept) > 0 {
		keys := make([]string, 0, len(kept))
		for k := range kept {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var parts []string
		for _, k := range keys {
			for _, v := range kept[k] {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		query = strings.Join(parts, "&")
	}

	u := url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host), Path: path, RawQuery: query}
	return u.String()
}

// dedupeSources merges a source list by canonical URL. On a duplicate,
// snippets are set-unioned, the max quality_score is retained, and an empty
// title is filled from the newcomer. Output is sorted by normalized_url so
// repeated merges are stable.
func dedupeSources(sources []any) []any {
	byURL := map[string]map[string]any{}
	order := []string{}
	for _, raw := range sources {
		src, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		rawURL, _ := src["url"].(string)
		normalized := CanonicalURL(rawURL)
		existing, seen := byURL[normalized]
		if !seen {
			item := copyMap(src)
			item["normalized_url"] = normalized
			if _, ok := item["snippets"]; !ok {
				item["snippets"] = []any{}
			}
			byURL[normalized] = item
			order = append(order, normalized)
			continue
		}
		existing["snippets"] = unionStrings(asSlice(existing["snippets"]), asSlice(src["snippets"]))
		if score := floatOf(src["quality_score"]); score > floatOf(existing["quality_score"]) {
			existing["quality_score"] = score
		}
		if title, _ := existing["title"].(string); title == "" {
			if t, _ := src["title"].(string); t != "" {
				existing["title"] = t
			}
		}
	}

	sort.Strings(order)
	out := make([]any, 0, len(order))
	for _, key := range order {
		out = append(out, byURL[key])
	}
	return out
}

func unionStrings(a, b []any) []any {
	seen := map[string]struct{}{}
	out := []any{}
	for _, v := range append(append([]any{}, a...), b...) {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
