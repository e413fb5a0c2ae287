package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-match/internal/models"
)

func TestScore_ComputerScienceScenario(t *testing.T) {
	s := New()
	a := &models.Profile{
		ID:         "user-a",
		University: "State University",
		Major:      "Computer Science",
		Year:       2,
		Interests:  []string{"algorithms", "ai", "systems"},
		Skills:     []string{"Go", "Python", "SQL"},
		Languages:  []string{"English", "Spanish"},
	}
	b := &models.Profile{
		ID:         "user-b",
		University: "Tech Institute",
		Major:      "Computer Science",
		Year:       3,
		Interests:  []string{"systems", "ai", "algorithms"},
		Skills:     []string{"SQL", "Go", "Python"},
		Languages:  []string{"English"},
	}

	got := s.Score(a, b)

	assert.Equal(t, "user-b", got.CandidateID)
	assert.Equal(t, 0.3, got.Breakdown.UniversityMatch)
	assert.Equal(t, 1.0, got.Breakdown.MajorMatch)
	assert.Equal(t, 0.8, got.Breakdown.YearCompatibility)
	assert.Equal(t, 1.0, got.Breakdown.InterestsMatch)
	assert.Equal(t, 1.0, got.Breakdown.SkillsMatch)
	assert.Equal(t, DefaultStudyTime, got.Breakdown.StudyTimeMatch)
	assert.Equal(t, 1.0, got.Breakdown.LanguageMatch)

	// 0.045 + 0.2 + 0.08 + 0.2 + 0.15 + 0.075 + 0.05
	assert.Equal(t, 80, got.Score)
}

func TestScore_EmptySetsUseDefaults(t *testing.T) {
	s := New()
	a := &models.Profile{ID: "a", Interests: []string{"chess"}, Skills: []string{"Go"}}
	b := &models.Profile{ID: "b"}

	got := s.Score(a, b)

	assert.Equal(t, DefaultInterests, got.Breakdown.InterestsMatch)
	assert.Equal(t, DefaultSkills, got.Breakdown.SkillsMatch)
	assert.Equal(t, DefaultStudyTime, got.Breakdown.StudyTimeMatch)
	assert.Equal(t, DefaultLanguage, got.Breakdown.LanguageMatch)
}

func TestFactors(t *testing.T) {
	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"same major", majorMatch("Biology", "Biology"), 1.0},
		{"related major", majorMatch("Computer Science", "Data Science"), 0.7},
		{"related major reversed", majorMatch("Data Science", "Computer Science"), 0.7},
		{"unrelated major", majorMatch("Biology", "Finance"), 0.2},
		{"year same", yearCompatibility(3, 3), 1.0},
		{"year one apart", yearCompatibility(1, 2), 0.8},
		{"year two apart", yearCompatibility(4, 2), 0.5},
		{"year far apart", yearCompatibility(1, 5), 0.2},
		{"partial interests", setOverlap([]string{"a", "b"}, []string{"b", "c", "d"}, DefaultInterests), 0.5},
		{"duplicate interests", setOverlap([]string{"a", "a"}, []string{"a", "b"}, DefaultInterests), 1.0},
		{"no shared language", languageMatch([]string{"French"}, []string{"German"}), 0.3},
		{"complementary skills", skillsMatch([]string{"Frontend"}, []string{"Backend"}), 0.8},
		{"half complementary", skillsMatch([]string{"Frontend"}, []string{"Backend", "Cooking"}), 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.got, 1e-9)
		})
	}
}

func TestScore_FactorSymmetry(t *testing.T) {
	s := New()
	profiles := []*models.Profile{
		{ID: "1", University: "U1", Major: "Computer Science", Year: 1, Interests: []string{"ml", "go"}, Skills: []string{"Frontend", "API"}, PreferredStudyTimes: []string{"morning"}, Languages: []string{"English"}},
		{ID: "2", University: "U2", Major: "Software Engineering", Year: 4, Interests: []string{"go"}, Skills: []string{"Backend"}, PreferredStudyTimes: []string{"morning", "night"}, Languages: []string{"English", "Hindi"}},
		{ID: "3", University: "U1", Major: "Biology", Year: 2, Skills: []string{"Writing", "Research"}},
		{ID: "4", Major: "Mathematics", Year: 3, Interests: []string{"proofs"}, Skills: []string{"Physics", "Mathematics"}, Languages: []string{"German"}},
	}

	for _, a := range profiles {
		for _, b := range profiles {
			ab, ba := s.Score(a, b), s.Score(b, a)
			assert.Equal(t, ab.Breakdown, ba.Breakdown, "%s vs %s", a.ID, b.ID)
			assert.Equal(t, ab.Score, ba.Score)

			for _, f := range []float64{
				ab.Breakdown.UniversityMatch, ab.Breakdown.MajorMatch, ab.Breakdown.YearCompatibility,
				ab.Breakdown.InterestsMatch, ab.Breakdown.SkillsMatch, ab.Breakdown.StudyTimeMatch,
				ab.Breakdown.LanguageMatch,
			} {
				assert.GreaterOrEqual(t, f, 0.0)
				assert.LessOrEqual(t, f, 1.0)
			}
			assert.GreaterOrEqual(t, ab.Score, 0)
			assert.LessOrEqual(t, ab.Score, 100)
		}
	}
}

func TestScore_IdenticalProfiles(t *testing.T) {
	p := &models.Profile{
		ID: "same", University: "U", Major: "Physics", Year: 2,
		Interests: []string{"x"}, Skills: []string{"y"},
		PreferredStudyTimes: []string{"evening"}, Languages: []string{"English"},
	}
	got := New().Score(p, p)
	assert.Equal(t, 100, got.Score)
}

func TestTotal_RoundsHalfUp(t *testing.T) {
	// 0.15*0.3 + 0.2*0.2 + 0.1*0.2 + 0.2*0.3 + 0.15*0.3 + 0.15*0.5 + 0.05*0.5 = 0.31
	low := models.Breakdown{
		UniversityMatch: 0.3, MajorMatch: 0.2, YearCompatibility: 0.2,
		InterestsMatch: 0.3, SkillsMatch: 0.3, StudyTimeMatch: 0.5, LanguageMatch: 0.5,
	}
	assert.Equal(t, 31, Total(low))

	// 0.5 * 0.05 = 0.025 lands exactly on .5 after scaling.
	half := models.Breakdown{LanguageMatch: 0.5}
	assert.Equal(t, 3, Total(half))

	assert.Equal(t, 83, roundHalfUp(82.49999999999999))
	assert.Equal(t, 82, roundHalfUp(82.4))
}

func TestWithSisterInstitutions(t *testing.T) {
	s := New(WithSisterInstitutions(map[string][]string{"North Campus": {"South Campus"}}, 0.6))

	assert.Equal(t, 0.6, s.universityMatch("South Campus", "North Campus"))
	assert.Equal(t, 0.3, s.universityMatch("South Campus", "Elsewhere"))
	assert.Equal(t, 0.3, New().universityMatch("South Campus", "North Campus"))
}

func TestRank_OrdersByScoreThenID(t *testing.T) {
	requester := &models.Profile{ID: "req", University: "U", Major: "Biology", Year: 2}
	candidates := []models.Profile{
		{ID: "c-far", University: "X", Major: "Finance", Year: 5},
		{ID: "c-2", University: "U", Major: "Biology", Year: 2},
		{ID: "c-1", University: "U", Major: "Biology", Year: 2},
	}

	ranked := New().Rank(requester, candidates)

	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"c-1", "c-2", "c-far"}, []string{ranked[0].ID(), ranked[1].ID(), ranked[2].ID()})
	assert.Greater(t, ranked[0].Match.Score, ranked[2].Match.Score)
}
