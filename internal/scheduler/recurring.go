package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"notifyd/internal/config"
	"notifyd/internal/notify"
)

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field cron specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateRecurring checks a configured schedule without registering it.
// Used by config validation so a bad entry is rejected before commit.
func ValidateRecurring(rs config.RecurringSchedule) error {
	if _, err := newParser().Parse(rs.Cron); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", rs.Cron, err)
	}
	_, err := requestFromConfig(rs)
	return err
}

// RegisterConfigured adds the recurring schedules from config. Called
// once at bootstrap; an invalid entry aborts startup.
func (s *Service) RegisterConfigured(defs []config.RecurringSchedule) error {
	for i, rs := range defs {
		req, err := requestFromConfig(rs)
		if err != nil {
			return fmt.Errorf("scheduler.recurring[%d]: %w", i, err)
		}
		if _, err := s.AddRecurring(rs.Name, rs.Cron, req); err != nil {
			return fmt.Errorf("scheduler.recurring[%d]: %w", i, err)
		}
	}
	return nil
}

func requestFromConfig(rs config.RecurringSchedule) (notify.Request, error) {
	var req notify.Request

	req.UserID = strings.TrimSpace(rs.UserID)
	if req.UserID == "" {
		return req, fmt.Errorf("user_id required")
	}
	if len(rs.Channels) == 0 {
		return req, fmt.Errorf("at least one channel required")
	}
	for _, raw := range rs.Channels {
		ch, err := notify.ParseChannel(raw)
		if err != nil {
			return req, err
		}
		req.Channels = append(req.Channels, ch)
	}

	req.Type = notify.Type(strings.TrimSpace(rs.Type))
	if req.Type == "" {
		return req, fmt.Errorf("type required")
	}

	switch p := notify.Priority(strings.ToLower(strings.TrimSpace(rs.Priority))); p {
	case "":
		req.Priority = notify.PriorityNormal
	case notify.PriorityLow, notify.PriorityNormal, notify.PriorityHigh, notify.PriorityCritical:
		req.Priority = p
	default:
		return req, fmt.Errorf("unknown priority %q", rs.Priority)
	}

	req.TemplateKey = strings.TrimSpace(rs.TemplateKey)
	req.Data = rs.Data
	req.Subject = rs.Subject
	req.Message = rs.Message
	if req.TemplateKey == "" && strings.TrimSpace(req.Message) == "" {
		return req, fmt.Errorf("template_key or message required")
	}
	return req, nil
}
