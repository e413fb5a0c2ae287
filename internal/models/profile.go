package models

import "time"

// Profile is the read-only view of a user the matching pipeline scores.
type Profile struct {
	ID                  string    `json:"id"`
	University          string    `json:"university"`
	Major               string    `json:"major"`
	Year                int       `json:"year"`
	Bio                 string    `json:"bio,omitempty"`
	Interests           []string  `json:"interests"`
	Skills              []string  `json:"skills"`
	StudyGoals          []string  `json:"studyGoals"`
	PreferredStudyTimes []string  `json:"preferredStudyTimes"`
	Languages           []string  `json:"languages"`
	TotalMatches        int       `json:"totalMatches"`
	SuccessfulMatches   int       `json:"successfulMatches"`
	AverageRating       float64   `json:"averageRating"`
	GPA                 *float64  `json:"gpa,omitempty"`
	IsPublic            bool      `json:"isPublic"`
	LastActiveAt        time.Time `json:"lastActiveAt"`
	CreatedAt           time.Time `json:"createdAt"`
}

// CandidateFilters narrows the relational candidate query.
type CandidateFilters struct {
	University  string     `json:"university,omitempty"`
	Major       string     `json:"major,omitempty"`
	MinYear     int        `json:"minYear,omitempty"`
	MaxYear     int        `json:"maxYear,omitempty"`
	ActiveSince *time.Time `json:"activeSince,omitempty"`
}
