// Package scoring computes the compatibility between two student profiles.
package scoring

import (
	"math"
	"sort"

	"study-match/internal/models"
)

// Factor weights. They sum to exactly 1.0.
const (
	WeightUniversity = 0.15
	WeightMajor      = 0.20
	WeightYear       = 0.10
	WeightInterests  = 0.20
	WeightSkills     = 0.15
	WeightStudyTime  = 0.15
	WeightLanguage   = 0.05
)

// Default factor values used when either side has no data for a set factor.
const (
	DefaultInterests = 0.3
	DefaultSkills    = 0.3
	DefaultStudyTime = 0.5
	DefaultLanguage  = 0.5
)

const complementaryDiscount = 0.8

// Scorer is stateless apart from its static options and safe for concurrent use.
type Scorer struct {
	sisters     adjacency
	sisterValue float64
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithSisterInstitutions awards credit to institutions listed as sisters.
// Without it every non-identical institution scores 0.3.
func WithSisterInstitutions(table map[string][]string, credit float64) Option {
	return func(s *Scorer) {
		s.sisters = buildAdjacency(table)
		s.sisterValue = clamp01(credit)
	}
}

func New(opts ...Option) *Scorer {
	s := &Scorer{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the compatibility of candidate for requester.
func (s *Scorer) Score(requester, candidate *models.Profile) models.MatchScore {
	b := models.Breakdown{
		UniversityMatch:   s.universityMatch(requester.University, candidate.University),
		MajorMatch:        majorMatch(requester.Major, candidate.Major),
		YearCompatibility: yearCompatibility(requester.Year, candidate.Year),
		InterestsMatch:    setOverlap(requester.Interests, candidate.Interests, DefaultInterests),
		SkillsMatch:       skillsMatch(requester.Skills, candidate.Skills),
		StudyTimeMatch:    setOverlap(requester.PreferredStudyTimes, candidate.PreferredStudyTimes, DefaultStudyTime),
		LanguageMatch:     languageMatch(requester.Languages, candidate.Languages),
	}

	return models.MatchScore{
		CandidateID: candidate.ID,
		Score:       Total(b),
		Breakdown:   b,
	}
}

// Total folds a breakdown into the 0..100 integer score.
func Total(b models.Breakdown) int {
	weighted := b.UniversityMatch*WeightUniversity +
		b.MajorMatch*WeightMajor +
		b.YearCompatibility*WeightYear +
		b.InterestsMatch*WeightInterests +
		b.SkillsMatch*WeightSkills +
		b.StudyTimeMatch*WeightStudyTime +
		b.LanguageMatch*WeightLanguage

	score := roundHalfUp(weighted * 100)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Rank scores every candidate and orders them best first, ties by id.
func (s *Scorer) Rank(requester *models.Profile, candidates []models.Profile) []models.ScoredCandidate {
	out := make([]models.ScoredCandidate, 0, len(candidates))
	for i := range candidates {
		out = append(out, models.ScoredCandidate{
			Profile: candidates[i],
			Match:   s.Score(requester, &candidates[i]),
		})
	}
	SortByScore(out)
	return out
}

// SortByScore orders candidates by descending score, ties by ascending id.
func SortByScore(candidates []models.ScoredCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Match.Score != candidates[j].Match.Score {
			return candidates[i].Match.Score > candidates[j].Match.Score
		}
		return candidates[i].ID() < candidates[j].ID()
	})
}

func (s *Scorer) universityMatch(a, b string) float64 {
	if a != "" && a == b {
		return 1.0
	}
	if s.sisters != nil && s.sisters.linked(a, b) {
		return s.sisterValue
	}
	return 0.3
}

func majorMatch(a, b string) float64 {
	switch {
	case a != "" && a == b:
		return 1.0
	case relatedFieldIndex.linked(a, b):
		return 0.7
	default:
		return 0.2
	}
}

func yearCompatibility(a, b int) float64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	switch diff {
	case 0:
		return 1.0
	case 1:
		return 0.8
	case 2:
		return 0.5
	default:
		return 0.2
	}
}

// setOverlap is |A ∩ B| / min(|A|, |B|) over de-duplicated sets.
func setOverlap(a, b []string, whenEmpty float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return whenEmpty
	}
	return overlapRatio(toSet(a), toSet(b))
}

func skillsMatch(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return DefaultSkills
	}
	setA, setB := toSet(a), toSet(b)

	overlap := overlapRatio(setA, setB)

	matched := 0
	for x := range setA {
		for y := range setB {
			if complementarySkillIndex.linked(x, y) {
				matched++
			}
		}
	}
	complementary := float64(matched) / float64(len(setA)*len(setB))

	return math.Max(overlap, complementaryDiscount*complementary)
}

func languageMatch(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return DefaultLanguage
	}
	setB := toSet(b)
	for _, lang := range a {
		if _, ok := setB[lang]; ok {
			return 1.0
		}
	}
	return 0.3
}

func overlapRatio(a, b map[string]struct{}) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for v := range small {
		if _, ok := large[v]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// roundHalfUp rounds x to the nearest integer with .5 going up. The epsilon
// absorbs binary error such as 82.49999999999999 for an exact 82.5.
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5 + 1e-9))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
