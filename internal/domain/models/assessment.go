package models

// Assessment is what the risk classifier returns for a free-text idea
type Assessment struct {
	Title               string     `json:"title"`
	Type                ChangeType `json:"type"`
	Risk                RiskLevel  `json:"risk"`
	Description         string     `json:"description"`
	Reasoning           string     `json:"reasoning"`
	AffectedFiles       []string   `json:"affected_files"`
	ImplementationPlan  string     `json:"implementation_plan"`
	EstimatedChangeSize int        `json:"estimated_change_size"`
}

// Changeset is the concrete set of file edits produced for a proposal
type Changeset struct {
	Summary string       `json:"summary"`
	Changes []FileChange `json:"changes"`
}

// Release describes a packaged build ready for rollout
type Release struct {
	Version   string `json:"version"`
	Image     string `json:"image,omitempty"`
	Archive   string `json:"archive,omitempty"` // packaged chart path
	Published string `json:"published,omitempty"`
}

// Stats is a point-in-time summary of the pipeline
type Stats struct {
	TotalProposed int `json:"totalProposed"`
	TotalApproved int `json:"totalApproved"`
	TotalRejected int `json:"totalRejected"`
	TotalDeployed int `json:"totalDeployed"`
	TotalFailed   int `json:"totalFailed"`
	SuccessRate   int `json:"successRate"`
	TodayProposed int `json:"todayProposed"`
}
