package admission

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// Category is a class of text the pipeline rejects or reacts to.
type Category string

// Categories understood by the pipeline.
const (
	CategorySuspicious Category = "suspicious"
	CategoryDisposable Category = "disposable"
	CategoryDuplicate  Category = "duplicate"
)

// Matcher reports whether s belongs to a category.
type Matcher func(s string) bool

// Classifier maps categories to matchers. Lists can be extended without
// touching pipeline control flow.
type Classifier struct {
	matchers map[Category][]Matcher
}

// NewClassifier returns an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{matchers: make(map[Category][]Matcher)}
}

// Add registers a matcher under cat.
func (c *Classifier) Add(cat Category, m Matcher) *Classifier {
	c.matchers[cat] = append(c.matchers[cat], m)
	return c
}

// AddPattern registers a case-insensitive regular expression.
func (c *Classifier) AddPattern(cat Category, pattern string) *Classifier {
	re := regexp.MustCompile("(?i)" + pattern)
	return c.Add(cat, re.MatchString)
}

// AddPhrase registers a case-insensitive substring.
func (c *Classifier) AddPhrase(cat Category, phrase string) *Classifier {
	phrase = strings.ToLower(phrase)
	return c.Add(cat, func(s string) bool {
		return strings.Contains(strings.ToLower(s), phrase)
	})
}

// AddDomains registers an exact, case-insensitive match on the domain part
// of an email address.
func (c *Classifier) AddDomains(cat Category, domains ...string) *Classifier {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[normalizeDomain(d)] = true
	}
	return c.Add(cat, func(email string) bool {
		domain := EmailDomain(email)
		return domain != "" && set[domain]
	})
}

// Is reports whether s matches any matcher registered under cat.
func (c *Classifier) Is(cat Category, s string) bool {
	for _, m := range c.matchers[cat] {
		if m(s) {
			return true
		}
	}
	return false
}

// EmailDomain returns the lower-cased, ASCII form of the part of email after
// the first "@", or "" when there is none.
func EmailDomain(email string) string {
	i := strings.Index(email, "@")
	if i < 0 {
		return ""
	}
	return normalizeDomain(email[i+1:])
}

func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if ascii, err := idna.ToASCII(domain); err == nil {
		return ascii
	}
	return domain
}

// Placeholder and role addresses that real fans don't sign up with.
var suspiciousPatterns = []string{
	`test@test\.com`,
	`admin@`,
	`noreply@`,
	`no-reply@`,
	`spam@`,
	`bot@`,
	`fake@`,
	`temp@`,
	`temporary@`,
	`example@`,
	`sample@`,
	`demo@`,
	`dummy@`,
}

// DisposableDomains are throwaway-inbox providers.
var DisposableDomains = []string{
	"10minutemail.com",
	"tempmail.org",
	"guerrillamail.com",
	"mailinator.com",
	"throwaway.email",
	"temp-mail.org",
	"getnada.com",
	"maildrop.cc",
	"yopmail.com",
	"sharklasers.com",
}

// Phrases the provider uses when an address is already on the list.
var duplicatePhrases = []string{
	"already exists",
	"duplicate",
	"already subscribed",
	"email already",
	"subscriber already",
	"already in",
	"exists in",
}

// DefaultClassifier returns the built-in suspicious, disposable and
// duplicate lists, with extraDisposable appended to the disposable list.
func DefaultClassifier(extraDisposable ...string) *Classifier {
	c := NewClassifier()
	for _, p := range suspiciousPatterns {
		c.AddPattern(CategorySuspicious, p)
	}
	c.AddDomains(CategoryDisposable, append(append([]string{}, DisposableDomains...), extraDisposable...)...)
	for _, p := range duplicatePhrases {
		c.AddPhrase(CategoryDuplicate, p)
	}
	return c
}
