// Package tracker rewrites outbound links for click attribution.
package tracker

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// hrefPattern matches href attribute values in an HTML fragment
var hrefPattern = regexp.MustCompile(`href="([^"]*)"`)

// placeholderBody replaces an empty dispatch body so the message still
// carries valid HTML.
const placeholderBody = "<p>No content</p>"

// Tracker rewrites anchor targets into redirect URLs that carry the
// recipient identity and the original destination.
type Tracker struct {
	baseURL string
}

// New creates a Tracker. baseURL is the public base of the click endpoint,
// without a trailing slash.
func New(baseURL string) *Tracker {
	return &Tracker{baseURL: strings.TrimRight(baseURL, "/")}
}

// WrapLinks replaces every href value in body with a tracking URL bound to
// the recipient. The result embeds the recipient address, so the wrapped
// body is per-recipient and must not be shared across a batch.
func (t *Tracker) WrapLinks(body, recipientEmail string) string {
	if strings.TrimSpace(body) == "" {
		body = placeholderBody
	}

	return hrefPattern.ReplaceAllStringFunc(body, func(match string) string {
		original := match[len(`href="`) : len(match)-1]
		return fmt.Sprintf(`href="%s"`, t.ClickURL(recipientEmail, original))
	})
}

// ClickURL builds the redirect URL for one destination.
func (t *Tracker) ClickURL(recipientEmail, target string) string {
	return fmt.Sprintf("%s/click?email=%s&url=%s",
		t.baseURL, url.QueryEscape(recipientEmail), url.QueryEscape(target))
}
