package service

import (
	"context"

	"github.com/pilot-net/healthmon/internal/config"
)

// applyBootstrap registers bootstrap definitions that are not already
// present. A definition matches an existing one by ID, or by name when it
// has no ID, so restarting with the same file is a no-op. Invalid entries
// are logged and skipped.
func (s *Service) applyBootstrap(ctx context.Context, b *config.Bootstrap) {
	var added, skipped int

	channelNames := make(map[string]bool)
	for _, ch := range s.channels.List() {
		channelNames[ch.Name] = true
	}
	for _, ch := range b.Channels {
		if exists(ch.ID, ch.Name, channelNames, func(id string) bool {
			_, err := s.channels.Get(id)
			return err == nil
		}) {
			skipped++
			continue
		}
		if _, err := s.channels.Add(ctx, ch); err != nil {
			s.logger.Warn("skipping bootstrap channel", "name", ch.Name, "error", err)
			continue
		}
		added++
	}

	checkNames := make(map[string]bool)
	for _, c := range s.scheduler.ListChecks() {
		checkNames[c.Name] = true
	}
	for _, c := range b.Checks {
		if exists(c.ID, c.Name, checkNames, func(id string) bool {
			_, err := s.scheduler.GetCheck(id)
			return err == nil
		}) {
			skipped++
			continue
		}
		if _, err := s.AddCheck(ctx, c); err != nil {
			s.logger.Warn("skipping bootstrap check", "name", c.Name, "error", err)
			continue
		}
		added++
	}

	ruleNames := make(map[string]bool)
	for _, r := range s.evaluator.ListRules() {
		ruleNames[r.Name] = true
	}
	for _, r := range b.Rules {
		if exists(r.ID, r.Name, ruleNames, func(id string) bool {
			_, err := s.evaluator.GetRule(id)
			return err == nil
		}) {
			skipped++
			continue
		}
		if _, err := s.evaluator.AddRule(ctx, r); err != nil {
			s.logger.Warn("skipping bootstrap rule", "name", r.Name, "error", err)
			continue
		}
		added++
	}

	s.logger.Info("bootstrap applied", "path", s.config.Bootstrap, "added", added, "existing", skipped)
}

func exists(id, name string, names map[string]bool, byID func(string) bool) bool {
	if id != "" {
		return byID(id)
	}
	return names[name]
}
