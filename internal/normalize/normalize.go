// Package normalize turns raw platform message bodies into plain text and
// classifies who wrote them.
package normalize

import (
	"html"
	"regexp"
	"strings"
)

// Role is the author role of an inbound message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

var (
	reScript  = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	reStyle   = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	reComment = regexp.MustCompile(`<!--[\s\S]*?-->`)
	reBreak   = regexp.MustCompile(`(?i)<br\s*/?>`)
	reBlock   = regexp.MustCompile(`(?i)</(?:p|div|li|h[1-6]|blockquote|pre|tr)\s*>`)
	reTag     = regexp.MustCompile(`<[^>]*>`)
	reMultiSP = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	reMultiNL = regexp.MustCompile(`\n{3,}`)
)

// Text strips markup from raw and collapses whitespace. It never fails: if
// stripping leaves nothing but raw held something other than tags, the
// trimmed raw text is returned.
func Text(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = reScript.ReplaceAllString(s, "")
	s = reStyle.ReplaceAllString(s, "")
	s = reComment.ReplaceAllString(s, "")
	s = reBreak.ReplaceAllString(s, "\n")
	s = reBlock.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reMultiSP.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if s == "" && !onlyMarkup(raw) {
		return strings.TrimSpace(raw)
	}
	return s
}

// onlyMarkup reports whether raw consists of tags and whitespace alone.
func onlyMarkup(raw string) bool {
	return strings.TrimSpace(reTag.ReplaceAllString(raw, "")) == ""
}

// Author is the declared identity of a message author.
type Author struct {
	ID   string
	Type string // platform author type: user, lead, contact, admin, bot, team
	Name string
}

// Classifier decides whether an author is a human agent, our own bot, or an
// end user.
type Classifier struct {
	SelfAdminID    string
	AgentIDs       []string
	BotNameMarkers []string
}

// Classify returns the author's role and whether the author is this system's
// own bot identity.
func (c Classifier) Classify(a Author) (role Role, self bool) {
	if a.ID != "" && a.ID == c.SelfAdminID {
		return RoleAdmin, true
	}
	typ := strings.ToLower(a.Type)
	adminTyped := typ == "admin" || typ == "bot" || typ == "teammate"
	if adminTyped && c.nameLooksLikeBot(a.Name) {
		return RoleAdmin, true
	}
	if typ == "bot" {
		return RoleAdmin, true
	}
	if adminTyped {
		return RoleAdmin, false
	}
	for _, id := range c.AgentIDs {
		if a.ID != "" && a.ID == id {
			return RoleAdmin, false
		}
	}
	return RoleUser, false
}

func (c Classifier) nameLooksLikeBot(name string) bool {
	n := strings.ToLower(name)
	if n == "" {
		return false
	}
	for _, m := range c.BotNameMarkers {
		if m != "" && strings.Contains(n, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
