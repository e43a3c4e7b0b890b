package content

import (
	"html"
	"regexp"
	"strings"

	"hsmpchat/internal/models"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy        = bluemonday.StrictPolicy()
	identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)
)

// Sanitize strips all markup from message content before it is shown in a terminal.
// Entities escaped by the policy are decoded back, so "Tom & Jerry" stays readable.
func Sanitize(input string) string {
	return html.UnescapeString(policy.Sanitize(input))
}

// NormalizeText trims the surrounding whitespace of an outgoing message.
// An empty result means the message must not be sent.
func NormalizeText(input string) string {
	return strings.TrimSpace(input)
}

// ValidateIdentity checks that an identity is non-empty and contains only
// alphanumerics, dot, dash, underscore, colon or at-sign.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return models.ErrEmptyIdentity
	}
	if !identityRegex.MatchString(identity) {
		return models.ErrInvalidIdentity
	}
	return nil
}
