package httpapi

import "github.com/microcosm-cc/bluemonday"

// newSanitizer builds the policy run over html content on every write.
// Script tags, inline event handlers and javascript: URLs do not survive
// it; formatting and code markup do.
func newSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("code", "pre", "span", "div")
	return p
}
