package proposal

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultBranchPrefix is used when a submission does not name one.
	DefaultBranchPrefix = "proposal"

	maxSlugLength = 30
)

var (
	prefixRegex  = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+)*$`)
	nonSlugRegex = regexp.MustCompile(`[^a-z0-9]+`)
)

// NewID returns a fresh proposal identifier of the form prop_<10 hex chars>.
func NewID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "prop_" + hex[:10]
}

// Slug reduces a commit message to a branch-safe fragment: accents folded,
// lowercased, non-alphanumeric runs collapsed to '_' and cut to 30 characters.
func Slug(message string) string {
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(fold, message)
	if err != nil {
		folded = message
	}

	slug := nonSlugRegex.ReplaceAllString(strings.ToLower(folded), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "_")
	}
	if slug == "" {
		return "change"
	}
	return slug
}

// ValidatePrefix checks that a branch prefix is usable as leading ref components.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("branch prefix cannot be empty")
	}
	if !prefixRegex.MatchString(prefix) {
		return fmt.Errorf("branch prefix %q must match [A-Za-z0-9._-] components separated by '/'", prefix)
	}
	if strings.Contains(prefix, "..") || strings.HasSuffix(prefix, ".lock") || strings.HasPrefix(prefix, "-") {
		return fmt.Errorf("branch prefix %q is not a valid ref name", prefix)
	}
	return nil
}

// BranchName derives the branch for a proposal: <prefix>/<id>_<slug>.
func BranchName(prefix, id, commitMessage string) (string, error) {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	if err := ValidatePrefix(prefix); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("proposal id cannot be empty")
	}
	return fmt.Sprintf("%s/%s_%s", prefix, id, Slug(commitMessage)), nil
}
