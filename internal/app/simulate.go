package app

import (
	"context"
	"errors"
	"time"

	"iex-marketdata/internal/alerting"
	"iex-marketdata/internal/market"
	"iex-marketdata/internal/storage"
)

// SimulateAlert sends a sample partial-run notification through the configured channel.
func (a *App) SimulateAlert(ctx context.Context, t market.Type) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	loc, err := a.location()
	if err != nil {
		return err
	}
	today := market.StartOfDay(time.Now(), loc)

	note := alerting.Notification{
		Market:        t.Label(),
		RangeStart:    today.AddDate(0, 0, -1),
		RangeEnd:      today.AddDate(0, 0, 1).Add(-time.Nanosecond),
		Status:        storage.RunPartial,
		Windows:       2,
		Skipped:       []time.Time{today},
		Records:       market.PeriodsPerDay,
		Inserted:      market.PeriodsPerDay,
		AdditionalMsg: "simulated notification",
	}
	return notifier.Notify(ctx, note)
}
