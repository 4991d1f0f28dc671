package store

import (
	"time"

	"scenariolab/api/internal/snapshot"
)

const (
	ChangeUserEdit      = "User_Edit"
	ChangeMajor         = "Major"
	ChangeCollaboration = "Collaboration"
	ChangeWhatIf        = "What_If"
	ChangeGenerated     = "Generated"

	ApprovalDraft     = "Draft"
	ApprovalPublished = "Published"

	CollaborationComment = "Comment"
	CollaborationEdit    = "Edit"

	StatusPending     = "Pending"
	StatusApproved    = "Approved"
	StatusRejected    = "Rejected"
	StatusImplemented = "Implemented"

	TagMerged = "merged"

	NotifyMention      = "mention"
	NotifyReply        = "reply"
	NotifyEditProposal = "edit_proposal"
)

// Scenario is the live, authoritative record. Only a mainline version write
// replaces Data.
type Scenario struct {
	ID        string            `json:"id"`
	Data      snapshot.Snapshot `json:"data"`
	CreatedBy string            `json:"created_by"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedBy string            `json:"updated_by"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Version struct {
	ID               string            `json:"id"`
	ScenarioID       string            `json:"scenario_id"`
	VersionNumber    int               `json:"version_number"`
	Label            string            `json:"label"`
	SnapshotData     snapshot.Snapshot `json:"snapshot_data"`
	DiffFromPrevious snapshot.Diff     `json:"diff_from_previous"`
	ChangeType       string            `json:"change_type"`
	ChangeSummary    string            `json:"change_summary"`
	CommitMessage    string            `json:"commit_message"`
	IsCurrent        bool              `json:"is_current"`
	IsBranch         bool              `json:"is_branch"`
	BranchName       string            `json:"branch_name,omitempty"`
	BranchHypothesis string            `json:"branch_hypothesis,omitempty"`
	ParentVersionID  string            `json:"parent_version_id,omitempty"`
	ApprovalStatus   string            `json:"approval_status"`
	Tags             []string          `json:"tags"`
	CreatedBy        string            `json:"created_by"`
	CreatedByName    string            `json:"created_by_name"`
	CreatedAt        time.Time         `json:"created_at"`
}

func (v Version) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type EditProposal struct {
	Field         string `json:"field"`
	ProposedValue any    `json:"proposed_value"`
	Justification string `json:"justification"`
}

type Reply struct {
	User      string    `json:"user"`
	UserName  string    `json:"user_name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Collaboration struct {
	ID              string        `json:"id"`
	ScenarioID      string        `json:"scenario_id"`
	Type            string        `json:"collaboration_type"`
	Status          string        `json:"status"`
	Content         string        `json:"content"`
	Summary         string        `json:"summary,omitempty"`
	TargetSection   string        `json:"target_section"`
	TargetElementID string        `json:"target_element_id,omitempty"`
	EditProposal    *EditProposal `json:"edit_proposal,omitempty"`
	Replies         []Reply       `json:"replies"`
	Mentions        []string      `json:"mentions"`
	Author          string        `json:"author"`
	AuthorName      string        `json:"author_name"`
	ResolvedBy      string        `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolutionNotes string        `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// CollaborationFilter holds equality predicates; empty fields match all.
type CollaborationFilter struct {
	Type          string
	Status        string
	TargetSection string
	Limit         int
}

type Notification struct {
	ID              string    `json:"id"`
	Recipient       string    `json:"recipient"`
	Kind            string    `json:"kind"`
	ScenarioID      string    `json:"scenario_id"`
	CollaborationID string    `json:"collaboration_id,omitempty"`
	Message         string    `json:"message"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"created_at"`
}
