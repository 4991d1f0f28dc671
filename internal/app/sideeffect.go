package app

import (
	"context"

	"scenariolab/api/internal/store"
)

const (
	effectNotification = "notification"
	effectArchive      = "archive"
)

// SideEffect is the result of a best-effort action. It is handed to settle,
// which logs and counts a failure; it never fails the operation that
// produced it.
type SideEffect struct {
	Kind   string
	Target string
	Err    error
}

func (e SideEffect) Failed() bool {
	return e.Err != nil
}

func (s *Service) settle(effect SideEffect) {
	if !effect.Failed() {
		return
	}
	s.metrics.SideEffectFailed(effect.Kind)
	s.log.Warn().Err(effect.Err).Str("kind", effect.Kind).Str("target", effect.Target).Msg("side effect failed")
}

func (s *Service) notify(ctx context.Context, item store.Notification) SideEffect {
	effect := SideEffect{Kind: effectNotification, Target: item.Recipient}
	if s.notifier == nil {
		return effect
	}
	effect.Err = s.notifier.Notify(ctx, item)
	return effect
}

func (s *Service) archiveVersion(version store.Version) SideEffect {
	effect := SideEffect{Kind: effectArchive, Target: version.ID}
	if s.archiver == nil {
		return effect
	}
	_, effect.Err = s.archiver.RecordVersion(version)
	return effect
}

func (s *Service) archiveMerge(branch, merged store.Version) SideEffect {
	effect := SideEffect{Kind: effectArchive, Target: merged.ID}
	if s.archiver == nil {
		return effect
	}
	_, effect.Err = s.archiver.RecordMerge(branch, merged)
	return effect
}
