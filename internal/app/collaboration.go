package app

import (
	"context"
	"fmt"
	"strings"

	"scenariolab/api/internal/snapshot"
	"scenariolab/api/internal/store"
	"scenariolab/api/internal/util"
)

const defaultTargetSection = "General"

type CommentOptions struct {
	TargetSection   string   `json:"targetSection"`
	TargetElementID string   `json:"targetElementId"`
	Mentions        []string `json:"mentions"`
}

type Resolution struct {
	Status  string         `json:"status"`
	Applied bool           `json:"applied"`
	Version *store.Version `json:"version,omitempty"`
}

func (s *Service) AddComment(ctx context.Context, scenarioID, content string, opts CommentOptions) (store.Collaboration, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Collaboration{}, validationError("comment content is required")
	}
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Collaboration{}, err
	}
	if _, err := s.store.GetScenario(ctx, scenarioID); err != nil {
		return store.Collaboration{}, lookupError(err, "scenario", scenarioID)
	}

	section := strings.TrimSpace(opts.TargetSection)
	if section == "" {
		section = defaultTargetSection
	}
	item := store.Collaboration{
		ID:              util.NewID("col"),
		ScenarioID:      scenarioID,
		Type:            store.CollaborationComment,
		Status:          store.StatusPending,
		Content:         content,
		TargetSection:   section,
		TargetElementID: strings.TrimSpace(opts.TargetElementID),
		Replies:         []store.Reply{},
		Mentions:        normalizeMentions(opts.Mentions),
		Author:          user.Email,
		AuthorName:      user.FullName,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.InsertCollaboration(ctx, item); err != nil {
		return store.Collaboration{}, fmt.Errorf("insert comment: %w", err)
	}
	s.metrics.CollaborationOpened(item.Type)
	s.indexCollaboration(item)

	for _, recipient := range item.Mentions {
		s.settle(s.notify(ctx, store.Notification{
			ID:              util.NewID("ntf"),
			Recipient:       recipient,
			Kind:            store.NotifyMention,
			ScenarioID:      scenarioID,
			CollaborationID: item.ID,
			Message:         fmt.Sprintf("%s mentioned you in %s: %s", displayName(user.FullName, user.Email), section, truncate(content, 140)),
			CreatedAt:       item.CreatedAt,
		}))
	}
	return item, nil
}

func (s *Service) ProposeEdit(ctx context.Context, scenarioID string, proposal store.EditProposal, targetSection string) (store.Collaboration, error) {
	proposal.Field = strings.TrimSpace(proposal.Field)
	if proposal.Field == "" {
		return store.Collaboration{}, validationError("proposal field is required")
	}
	proposal.Justification = strings.TrimSpace(proposal.Justification)
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Collaboration{}, err
	}
	scenario, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return store.Collaboration{}, lookupError(err, "scenario", scenarioID)
	}

	section := strings.TrimSpace(targetSection)
	if section == "" {
		section = defaultTargetSection
	}
	item := store.Collaboration{
		ID:            util.NewID("col"),
		ScenarioID:    scenarioID,
		Type:          store.CollaborationEdit,
		Status:        store.StatusPending,
		Content:       proposal.Justification,
		Summary:       fmt.Sprintf("Proposed change to %s: %s", proposal.Field, truncate(string(snapshot.Canonical(proposal.ProposedValue)), 120)),
		TargetSection: section,
		EditProposal:  &proposal,
		Replies:       []store.Reply{},
		Mentions:      []string{},
		Author:        user.Email,
		AuthorName:    user.FullName,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertCollaboration(ctx, item); err != nil {
		return store.Collaboration{}, fmt.Errorf("insert edit proposal: %w", err)
	}
	s.metrics.CollaborationOpened(item.Type)
	s.indexCollaboration(item)

	if scenario.CreatedBy != "" && !strings.EqualFold(scenario.CreatedBy, user.Email) {
		s.settle(s.notify(ctx, store.Notification{
			ID:              util.NewID("ntf"),
			Recipient:       scenario.CreatedBy,
			Kind:            store.NotifyEditProposal,
			ScenarioID:      scenarioID,
			CollaborationID: item.ID,
			Message:         fmt.Sprintf("%s proposed an edit to %s", displayName(user.FullName, user.Email), proposal.Field),
			CreatedAt:       item.CreatedAt,
		}))
	}
	return item, nil
}

// ResolveProposal approves or rejects a pending collaboration. An approved
// edit proposal is applied as a new Collaboration version and Applied is
// true only in that case. Approving an edit that is Approved but was never
// applied retries the application.
func (s *Service) ResolveProposal(ctx context.Context, proposalID string, approved bool, notes string) (Resolution, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return Resolution{}, err
	}
	item, err := s.store.GetCollaboration(ctx, proposalID)
	if err != nil {
		return Resolution{}, lookupError(err, "collaboration", proposalID)
	}

	status := store.StatusRejected
	if approved {
		status = store.StatusApproved
	}
	changed, err := s.store.ResolveCollaboration(ctx, proposalID, status, user.Email, strings.TrimSpace(notes), s.now().UTC())
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve collaboration: %w", err)
	}
	if !changed && approved && awaitingApply(item) {
		s.log.Warn().Str("collaboration_id", proposalID).Msg("retrying approved edit")
		changed = true
	}
	if !changed {
		return Resolution{}, conflictError("collaboration is already resolved", map[string]string{
			"id":     proposalID,
			"status": item.Status,
		})
	}
	item.Status = status

	result := Resolution{Status: status}
	if approved && item.Type == store.CollaborationEdit && item.EditProposal != nil {
		version, err := s.applyEdit(ctx, item)
		if err != nil {
			return result, err
		}
		result.Applied = true
		result.Version = &version
	}
	s.log.Info().Str("collaboration_id", proposalID).Str("status", status).Bool("applied", result.Applied).Msg("collaboration resolved")
	return result, nil
}

func awaitingApply(item store.Collaboration) bool {
	return item.Status == store.StatusApproved && item.Type == store.CollaborationEdit && item.EditProposal != nil
}

func (s *Service) AddReply(ctx context.Context, collaborationID, content string) (store.Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Reply{}, validationError("reply content is required")
	}
	user, err := s.currentUser(ctx)
	if err != nil {
		return store.Reply{}, err
	}
	item, err := s.store.GetCollaboration(ctx, collaborationID)
	if err != nil {
		return store.Reply{}, lookupError(err, "collaboration", collaborationID)
	}

	reply := store.Reply{
		User:      user.Email,
		UserName:  user.FullName,
		Content:   content,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.AppendReply(ctx, collaborationID, reply); err != nil {
		return store.Reply{}, lookupError(err, "collaboration", collaborationID)
	}

	if item.Author != "" && !strings.EqualFold(item.Author, user.Email) {
		s.settle(s.notify(ctx, store.Notification{
			ID:              util.NewID("ntf"),
			Recipient:       item.Author,
			Kind:            store.NotifyReply,
			ScenarioID:      item.ScenarioID,
			CollaborationID: item.ID,
			Message:         fmt.Sprintf("%s replied: %s", displayName(user.FullName, user.Email), truncate(content, 140)),
			CreatedAt:       reply.Timestamp,
		}))
	}
	return reply, nil
}

func (s *Service) GetCollaborations(ctx context.Context, scenarioID string, filter store.CollaborationFilter) ([]store.Collaboration, error) {
	items, err := s.store.ListCollaborations(ctx, scenarioID, filter)
	if err != nil {
		return nil, fmt.Errorf("list collaborations: %w", err)
	}
	return items, nil
}

// GetActiveCollaborators returns the distinct authors of collaborations
// created within the active window, sorted.
func (s *Service) GetActiveCollaborators(ctx context.Context, scenarioID string) ([]string, error) {
	since := s.now().UTC().Add(-s.activeWindow)
	authors, err := s.store.ListActiveAuthors(ctx, scenarioID, since)
	if err != nil {
		return nil, fmt.Errorf("list active authors: %w", err)
	}
	return authors, nil
}

// ListNotifications returns the acting user's inbox, newest first.
func (s *Service) ListNotifications(ctx context.Context, limit int) ([]store.Notification, error) {
	user, err := s.currentUser(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListNotifications(ctx, user.Email, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func normalizeMentions(mentions []string) []string {
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		mention = strings.TrimPrefix(strings.TrimSpace(mention), "@")
		if mention == "" {
			continue
		}
		key := strings.ToLower(mention)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, mention)
	}
	return out
}

func displayName(name, email string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return email
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "…"
}
