// Package htmlindex extracts hyperlinks from an HTML document, optionally
// filtered by a regular expression, for downloaders that scrape
// directory-listing style pages.
package htmlindex

import (
	"io"
	"regexp"

	"github.com/go-logr/logr"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ExtractHrefs returns the deduplicated set of href attribute values found
// on <a> tags in body. If pattern is non-nil, only hrefs for which
// pattern.MatchString(href) returns true are kept. If the filtered set is
// empty, a warning is logged through log but an empty (non-nil) set is
// still returned rather than an error.
func ExtractHrefs(body io.Reader, pattern *regexp.Regexp, log logr.Logger) (map[string]struct{}, error) {
	hrefs := map[string]struct{}{}
	tokenizer := html.NewTokenizer(body)

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != nil && err != io.EOF { //nolint:errorlint // html.Tokenizer sentinel
				return nil, err
			}
			return finish(hrefs, pattern, log), nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			if atom.Lookup(name) != atom.A || !hasAttr {
				continue
			}
			for {
				key, val, more := tokenizer.TagAttr()
				if string(key) == "href" {
					hrefs[string(val)] = struct{}{}
				}
				if !more {
					break
				}
			}
		}
	}
}

func finish(hrefs map[string]struct{}, pattern *regexp.Regexp, log logr.Logger) map[string]struct{} {
	if pattern == nil {
		return hrefs
	}
	filtered := make(map[string]struct{}, len(hrefs))
	for href := range hrefs {
		if pattern.MatchString(href) {
			filtered[href] = struct{}{}
		}
	}
	if len(filtered) == 0 {
		log.Info("no hyperlinks matched pattern", "pattern", pattern.String())
	}
	return filtered
}
