package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"spotprice-engine/internal/alerting"
)

// SimulateAlert sends a test notification for region through the configured channels.
func (a *App) SimulateAlert(ctx context.Context, region string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}
	r, ok := a.Config.Region(region)
	if !ok {
		return fmt.Errorf("region %s is not configured", strings.ToUpper(region))
	}

	note := alerting.Notification{
		Region:           r.ID,
		Kind:             alerting.KindTest,
		At:               time.Now().UTC(),
		HasData:          true,
		Currency:         r.Currency,
		AttemptedSources: r.Sources,
		Channels:         a.Config.Alerting.Channels,
		AdditionalMsg:    "This is a test alert.",
	}
	return notifier.Notify(ctx, note)
}
