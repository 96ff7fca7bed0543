package app

import (
	"context"
	"reflect"
	"strings"

	"triggerd/internal/config"
	logx "triggerd/pkg/logx"
)

// reloadLoop applies validated config changes. Logging and mail rate/retry
// apply live; everything else is read once and only logged.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts down to the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Info("config changed", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	res, err := config.Resolve(newCfg)
	if err != nil {
		// Watch validates before publishing, so this only happens on a race
		// with a direct Commit.
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	cur := a.Config()
	if !reflect.DeepEqual(res.Logging, cur.Logging) {
		a.logs.Apply(res.Logging)
	}
	if !reflect.DeepEqual(res.Mail, cur.Mail) {
		if res.Mail.Enabled != cur.Mail.Enabled || res.Mail.Host != cur.Mail.Host ||
			res.Mail.Port != cur.Mail.Port || res.Mail.Mode != cur.Mail.Mode ||
			res.Mail.From != cur.Mail.From || res.Mail.Username != cur.Mail.Username ||
			res.Mail.Password != cur.Mail.Password {
			a.log.Warn("mail transport changed; restart required for changes to take effect")
		}
		a.notifier.Apply(res.Mail)
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}
	a.resMu.Lock()
	a.res.Logging, a.res.Mail = res.Logging, res.Mail
	a.resMu.Unlock()
}
