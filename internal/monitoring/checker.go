package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/config"
)

const (
	defaultCheckInterval = 5 * time.Minute
	defaultLookbackHours = 24
)

// Checker watches the run log from inside the trigger server. Every tick it
// summarizes the attribution and maintenance runs of the last LookbackHours
// and posts any threshold breaches to the webhook.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a run health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run checks once on start, so runs that failed before a restart are
// reported without waiting a full interval, then on every tick until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	if ctx.Err() != nil {
		return
	}
	log.Info("watching attribution runs",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.lookbackHours()),
		zap.Int("max_failed_runs", c.cfg.MaxFailedRuns),
	)
	c.Check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stopped watching attribution runs")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check summarizes the run log window and sends the alerts it triggers.
// It returns the number of alerts triggered, muted ones included.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.lookbackHours())
	if err != nil {
		log.Error("monitoring: read run log", zap.Error(err))
		return 0
	}

	fields := []zap.Field{
		zap.Int("runs_total", snap.RunsTotal),
		zap.Int("runs_failed", snap.RunsFailed),
		zap.Int("records_created", snap.RecordsCreated),
		zap.Float64("write_error_rate", snap.WriteErrorRate),
		zap.Float64("organic_share", snap.OrganicShare),
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: attribution runs healthy", fields...)
		return 0
	}

	for _, a := range alerts {
		log.Warn("monitoring: "+a.Message,
			zap.String("alert", string(a.Type)),
			zap.String("severity", a.Severity),
		)
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: run health check complete", append(fields,
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)...)
	return len(alerts)
}

func (c *Checker) lookbackHours() int {
	if c.cfg.LookbackHours <= 0 {
		return defaultLookbackHours
	}
	return c.cfg.LookbackHours
}
