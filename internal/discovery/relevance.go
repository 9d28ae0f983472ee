package discovery

import (
	"strings"
)

// DefaultKeywords weights topic terms matched against candidate titles and
// descriptions.
var DefaultKeywords = map[string]float64{
	"python": 1.0, "javascript": 1.0, "typescript": 1.0, "java": 1.0,
	"golang": 1.0, "rust": 1.0, "kotlin": 1.0, "swift": 1.0,
	"react": 0.9, "vue": 0.9, "angular": 0.9, "django": 0.9, "flask": 0.9,
	"docker": 0.8, "kubernetes": 0.8, "terraform": 0.8, "aws": 0.8,
	"postgresql": 0.8, "redis": 0.8, "database": 0.8,
	"api": 0.7, "graphql": 0.7, "microservices": 0.8, "devops": 0.8,
	"security": 0.8, "testing": 0.7, "performance": 0.7,
	"machine learning": 1.0, "deep learning": 1.0, "ai": 0.9,
	"tutorial": 0.5, "guide": 0.5, "documentation": 0.6,
	"best practices": 0.7, "architecture": 0.8, "algorithm": 0.8,
}

// DefaultDomainBonus adds a fixed bonus for well-known developer sites.
var DefaultDomainBonus = map[string]float64{
	"github.com":        0.3,
	"stackoverflow.com": 0.3,
	"dev.to":            0.3,
	"medium.com":        0.2,
	"hackernoon.com":    0.2,
}

// Scorer computes a relevance score in [0, 1] for a candidate.
type Scorer struct {
	keywords   map[string]float64
	bonus      map[string]float64
	saturation float64
}

// NewScorer builds a Scorer. A score reaches 1 once the matched keyword
// weights add up to saturation.
func NewScorer(keywords, domainBonus map[string]float64, saturation float64) *Scorer {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	if domainBonus == nil {
		domainBonus = DefaultDomainBonus
	}
	if saturation <= 0 {
		saturation = 3
	}
	lowered := make(map[string]float64, len(keywords))
	for k, w := range keywords {
		lowered[strings.ToLower(k)] = w
	}
	return &Scorer{keywords: lowered, bonus: domainBonus, saturation: saturation}
}

// Score matches whole words and phrases in title and description.
func (s *Scorer) Score(title, description, domain string) float64 {
	text := " " + strings.Join(strings.FieldsFunc(strings.ToLower(title+" "+description), isSeparator), " ") + " "
	var sum float64
	for keyword, weight := range s.keywords {
		if strings.Contains(text, " "+keyword+" ") {
			sum += weight
		}
	}
	score := sum / s.saturation
	score += s.bonus[strings.TrimPrefix(strings.ToLower(domain), "www.")]
	if score > 1 {
		score = 1
	}
	return score
}

func isSeparator(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '#':
		return false
	case r > 127:
		return false
	default:
		return true
	}
}

// BuildQueries returns the base queries followed by every base × modifier
// combination, deduplicated and capped at limit (0 means no cap).
func BuildQueries(base, modifiers []string, limit int) []string {
	seen := make(map[string]struct{}, len(base)*(len(modifiers)+1))
	out := make([]string, 0, len(base)*(len(modifiers)+1))
	add := func(q string) bool {
		q = strings.Join(strings.Fields(q), " ")
		if q == "" {
			return true
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		out = append(out, q)
		return limit <= 0 || len(out) < limit
	}
	for _, q := range base {
		if !add(q) {
			return out
		}
	}
	for _, q := range base {
		for _, m := range modifiers {
			if !add(q + " " + m) {
				return out
			}
		}
	}
	return out
}
