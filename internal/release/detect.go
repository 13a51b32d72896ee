package release

import (
	"bytes"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// feedLink はHTMLの<link rel="alternate">から見つかったフィードへのリンク。
type feedLink struct {
	URL  string
	Atom bool
}

// mediaTypeOf はContent-Typeからパラメータを除いたメディアタイプを返す。
func mediaTypeOf(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mt)
}

// looksLikeFeed はレスポンスがRSS/Atomフィードかを判定する。
// 汎用XMLのContent-Typeの場合はボディ先頭のルート要素で判定する。
func looksLikeFeed(contentType string, body []byte) bool {
	switch mediaTypeOf(contentType) {
	case "application/rss+xml", "application/atom+xml":
		return true
	case "text/xml", "application/xml", "":
		head := body
		if len(head) > 4096 {
			head = head[:4096]
		}
		lower := bytes.ToLower(head)
		if bytes.Contains(lower, []byte("<rss")) || bytes.Contains(lower, []byte("<rdf:rdf")) {
			return true
		}
		return bytes.Contains(lower, []byte("<feed")) && bytes.Contains(lower, []byte("http://www.w3.org/2005/atom"))
	default:
		return false
	}
}

// discoverFeedLinks はHTMLのhead要素からフィードリンクを抽出する。
// 相対URLはpageURLを基準に解決する。
func discoverFeedLinks(body []byte, pageURL string) []feedLink {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []feedLink
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return links
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) == "body" {
				return links
			}
			if string(name) != "link" || !hasAttr {
				continue
			}
			attrs := map[string]string{}
			for more := true; more; {
				var k, v []byte
				k, v, more = z.TagAttr()
				attrs[strings.ToLower(string(k))] = string(v)
			}
			if !strings.EqualFold(attrs["rel"], "alternate") || attrs["href"] == "" {
				continue
			}
			var atom bool
			switch strings.ToLower(attrs["type"]) {
			case "application/atom+xml":
				atom = true
			case "application/rss+xml":
			default:
				continue
			}
			ref, err := url.Parse(attrs["href"])
			if err != nil {
				continue
			}
			links = append(links, feedLink{URL: base.ResolveReference(ref).String(), Atom: atom})
		}
	}
}

// pickFeedLink は候補から取り込むフィードを1つ選ぶ。
// 同一ホストを優先し、次にAtom、同点なら先に現れたものを選ぶ。
func pickFeedLink(links []feedLink, pageURL string) (feedLink, bool) {
	if len(links) == 0 {
		return feedLink{}, false
	}
	pageHost := hostOf(pageURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == pageHost {
			score += 100
		}
		if l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return links[best], true
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
