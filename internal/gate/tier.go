package gate

import (
	"regexp"
	"strconv"
	"strings"

	"crewline/internal/config"
	"crewline/internal/domain"
)

var (
	fileCountRe = regexp.MustCompile(`(\d+)\s+(?:files?|modules?|packages?)\b`)
	lineCountRe = regexp.MustCompile(`(\d+)\s+(?:lines?|loc)\b`)
	pathTokenRe = regexp.MustCompile(`(?:[\w.-]+/)+[\w.-]+|\b[\w-]+\.(?:go|py|ts|tsx|js|jsx|rs|java|rb|c|h|cpp|cs|kt|swift|sql|yml|yaml|json|toml|sh)\b`)
)

// TierSignals are the facts DetectTier extracted from a goal description.
type TierSignals struct {
	Files           int
	Lines           int
	MinimalKeywords []string
	FullKeywords    []string
}

// Signals extracts the explicit counts, path-like tokens and keywords from description.
func Signals(description string, t config.Tiers) TierSignals {
	text := strings.ToLower(description)
	var s TierSignals
	for _, m := range fileCountRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > s.Files {
			s.Files = n
		}
	}
	for _, m := range lineCountRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > s.Lines {
			s.Lines = n
		}
	}
	paths := map[string]bool{}
	for _, tok := range pathTokenRe.FindAllString(text, -1) {
		paths[tok] = true
	}
	if len(paths) > s.Files {
		s.Files = len(paths)
	}
	s.MinimalKeywords = keywordHits(text, t.MinimalKeywords)
	s.FullKeywords = keywordHits(text, t.FullKeywords)
	return s
}

// DetectTier picks a tier for a goal. Full wins on any full keyword or a
// large change; minimal needs a small, single-file change; the rest is
// standard.
func DetectTier(description string, t config.Tiers) domain.Tier {
	s := Signals(description, t)
	switch {
	case len(s.FullKeywords) > 0:
		return domain.TierFull
	case t.FullFiles > 0 && s.Files >= t.FullFiles:
		return domain.TierFull
	case t.FullLines > 0 && s.Lines >= t.FullLines:
		return domain.TierFull
	}
	small := s.Files <= 1 && s.Lines <= t.MinimalLines
	if small && (len(s.MinimalKeywords) > 0 || (s.Lines > 0 && s.Files == 1)) {
		return domain.TierMinimal
	}
	return domain.TierStandard
}

func keywordHits(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			hits = append(hits, kw)
		}
	}
	return hits
}
