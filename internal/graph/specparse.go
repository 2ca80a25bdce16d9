package graph

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/msageha/storyforge/internal/model"
)

// Requirement is one item extracted from a spec document.
type Requirement struct {
	ID                 string
	Title              string
	Description        string
	Section            string
	Priority           int
	AcceptanceCriteria []string
}

// ParsedSpec is a markdown spec broken into requirements.
type ParsedSpec struct {
	Title        string
	Description  string
	Sections     []string
	Requirements []Requirement
}

// UntitledSpec is the title of a spec document without a top-level heading.
const UntitledSpec = "Untitled spec"

const (
	defaultSection  = "General"
	defaultPriority = 3
	minBulletReq    = 16
)

var (
	specHeading      = regexp.MustCompile(`^(#{1,4})\s+(.+)$`)
	specTitle        = regexp.MustCompile(`^#\s+(.+)$`)
	numberedReq      = regexp.MustCompile(`^(\d+(?:\.\d+)+)[.)]?\s+(.+)$`)
	taggedReq        = regexp.MustCompile(`(?i)^(REQ[-_]?\d+|FR[-_]?\d+|NFR[-_]?\d+|R\d+)[:\s]+(.+)$`)
	userStoryReq     = regexp.MustCompile(`^[*-]?\s*[Aa]s\s+(?:a|an)\s+(.+?),?\s+[Ii]\s+want\s+(.+?)(?:\s+[Ss]o\s+that\s+(.+))?$`)
	criteriaHeader   = regexp.MustCompile(`(?i)^[*-]?\s*(acceptance\s+criteria|ac)[:\s]*$`)
	bulletItem       = regexp.MustCompile(`^[-*+]\s+(.+)$`)
	numberedSubItem  = regexp.MustCompile(`^\d+[.)]\s+(.+)$`)
	highPriority     = []string{"must", "critical", "essential", "required", "security"}
	elevatedPriority = []string{"should", "important", "core"}
	lowPriority      = []string{"could", "nice to have", "optional", "future"}
)

// ParseSpec extracts requirements from a markdown spec. Requirements are
// numbered items (1.1, 2.3.1), tagged items (REQ-001, FR-2, R3) or user
// stories ("As a ..., I want ..."). Bullets under a requirement extend its
// description, or its acceptance criteria after an "Acceptance criteria"
// line. A document with none of these yields one requirement per long
// bullet.
func ParseSpec(text string) ParsedSpec {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := ParsedSpec{Title: specDocTitle(lines), Description: specDocDescription(lines)}

	section := defaultSection
	var (
		cur        *Requirement
		inCriteria bool
		storyN     = 1
	)
	flush := func() {
		if cur != nil {
			out.Requirements = append(out.Requirements, *cur)
			cur = nil
		}
	}
	start := func(id, title, desc string, priority int) {
		flush()
		cur = &Requirement{ID: id, Title: strings.TrimSpace(title), Description: desc, Section: section, Priority: priority}
		inCriteria = false
	}

	for _, line := range lines {
		s := strings.TrimSpace(line)

		if m := specHeading.FindStringSubmatch(line); m != nil {
			flush()
			if len(m[1]) <= 2 {
				section = strings.TrimSpace(m[2])
				if !containsString(out.Sections, section) {
					out.Sections = append(out.Sections, section)
				}
			}
			inCriteria = false
			continue
		}
		if m := numberedReq.FindStringSubmatch(s); m != nil {
			start(m[1], m[2], "", inferPriority(m[1], m[2]))
			continue
		}
		if m := taggedReq.FindStringSubmatch(s); m != nil {
			id := strings.ToUpper(m[1])
			start(id, m[2], "", inferPriority(id, m[2]))
			continue
		}
		if m := userStoryReq.FindStringSubmatch(s); m != nil {
			start(fmt.Sprintf("US-%d", storyN), fmt.Sprintf("As %s, %s", m[1], m[2]), m[3], defaultPriority)
			storyN++
			continue
		}
		if criteriaHeader.MatchString(s) {
			inCriteria = true
			continue
		}

		item := ""
		if m := bulletItem.FindStringSubmatch(s); m != nil {
			item = m[1]
		} else if m := numberedSubItem.FindStringSubmatch(s); m != nil {
			item = m[1]
		}
		switch {
		case cur == nil || s == "":
		case item != "" && inCriteria:
			cur.AcceptanceCriteria = append(cur.AcceptanceCriteria, item)
		case item != "":
			cur.Description += "\n- " + item
		default:
			cur.Description += "\n" + s
		}
	}
	flush()

	if len(out.Requirements) == 0 {
		out.Requirements = requirementsFromBullets(lines, section)
	}
	for i := range out.Requirements {
		out.Requirements[i].Description = strings.TrimSpace(out.Requirements[i].Description)
	}
	return out
}

// Plan turns the parsed requirements into planned stories. A requirement
// depends on the one numbered directly before it in the same section
// (1.2 after 1.1), looking back at most two requirements.
func (p ParsedSpec) Plan(tier model.Tier) Plan {
	stories := make([]PlannedStory, 0, len(p.Requirements))
	ids := make([]string, len(p.Requirements))
	seen := map[string]int{}

	for i, req := range p.Requirements {
		id := req.ID
		if n := seen[req.ID]; n > 0 {
			id = fmt.Sprintf("%s-%d", req.ID, n+1)
		}
		seen[req.ID]++
		ids[i] = id

		criteria := append([]string(nil), req.AcceptanceCriteria...)
		if len(criteria) == 0 {
			criteria = []string{req.Title + " is implemented and working"}
		}
		desc := req.Description
		if desc == "" {
			desc = req.Title
		}

		var deps []string
		for j := max(0, i-2); j < i; j++ {
			prev := p.Requirements[j]
			if prev.Section == req.Section && isPrerequisite(prev.ID, req.ID) {
				deps = append(deps, ids[j])
			}
		}

		stories = append(stories, PlannedStory{
			ID:                 id,
			Title:              clipTitle(req.Title),
			Description:        desc,
			AcceptanceCriteria: criteria,
			Priority:           req.Priority,
			Dependencies:       deps,
		})
	}
	return Plan{ProjectName: p.Title, Description: p.Description, Tier: tier, Stories: stories}
}

func specDocTitle(lines []string) string {
	for _, line := range lines[:min(len(lines), 10)] {
		if m := specTitle.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return UntitledSpec
}

// specDocDescription is the first few lines of prose between the title and
// the next heading.
func specDocDescription(lines []string) string {
	var desc []string
	started := false
	for _, line := range lines {
		if specTitle.MatchString(line) {
			started = true
			continue
		}
		if !started {
			continue
		}
		if specHeading.MatchString(line) {
			break
		}
		if s := strings.TrimSpace(line); s != "" {
			desc = append(desc, s)
		}
	}
	return strings.Join(desc[:min(len(desc), 5)], " ")
}

func inferPriority(id, text string) int {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, highPriority):
		return 1
	case containsAny(lower, elevatedPriority):
		return 2
	case containsAny(lower, lowPriority):
		return 4
	case strings.HasPrefix(id, "1."):
		return 2
	}
	return defaultPriority
}

// isPrerequisite reports whether a is the requirement numbered just before
// b in the same major section.
func isPrerequisite(a, b string) bool {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	if len(pa) < 2 || len(pb) < 2 || pa[0] != pb[0] {
		return false
	}
	x, err1 := strconv.Atoi(pa[1])
	y, err2 := strconv.Atoi(pb[1])
	return err1 == nil && err2 == nil && x == y-1
}

func requirementsFromBullets(lines []string, section string) []Requirement {
	var out []Requirement
	for _, line := range lines {
		m := bulletItem.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		text := m[1]
		lower := strings.ToLower(text)
		if utf8.RuneCountInString(text) < minBulletReq || strings.HasPrefix(lower, "note:") || strings.HasPrefix(lower, "see ") {
			continue
		}
		out = append(out, Requirement{
			ID:       fmt.Sprintf("R%d", len(out)+1),
			Title:    text,
			Section:  section,
			Priority: defaultPriority,
		})
	}
	return out
}

func clipTitle(title string) string {
	if utf8.RuneCountInString(title) > maxTitleLen {
		return string([]rune(title)[:maxTitleLen-3]) + "..."
	}
	return title
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
