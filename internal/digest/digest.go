// Package digest generates the scheduled daily, weekly, and monthly business
// summaries, stores them as notifications, and pushes them to every connected
// client.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"pharmachat/internal/chat"
	"pharmachat/pkg/domain"
	"pharmachat/pkg/store"
)

// Publisher is the push surface the generator needs: digests go to everyone
// who is connected, stored rows cover everyone else.
type Publisher interface {
	PublishGlobal(env chat.Envelope)
}

// Crons holds one cron expression per digest period.
type Crons struct {
	Daily   string
	Weekly  string
	Monthly string
}

// Validate checks every expression with gronx before any scheduler starts.
func (c Crons) Validate() error {
	for _, pair := range []struct{ name, expr string }{
		{"daily", c.Daily},
		{"weekly", c.Weekly},
		{"monthly", c.Monthly},
	} {
		if !gronx.IsValid(pair.expr) {
			return fmt.Errorf("invalid %s digest cron %q", pair.name, pair.expr)
		}
	}
	return nil
}

// Generator builds digest notifications from the sales aggregates. One failed
// metric never suppresses the others; the digest ships with whatever could be
// computed.
type Generator struct {
	store     store.Store
	metrics   store.MetricsStore
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

func NewGenerator(st store.Store, metrics store.MetricsStore, publisher Publisher, log *slog.Logger) *Generator {
	return &Generator{
		store:     st,
		metrics:   metrics,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Start launches one scheduler goroutine per period. It returns after
// validating the expressions; the schedulers stop when ctx is cancelled.
func (g *Generator) Start(ctx context.Context, crons Crons) error {
	if err := crons.Validate(); err != nil {
		return err
	}
	go g.runScheduler(ctx, domain.DigestDaily, crons.Daily)
	go g.runScheduler(ctx, domain.DigestWeekly, crons.Weekly)
	go g.runScheduler(ctx, domain.DigestMonthly, crons.Monthly)
	g.log.Info("digest schedulers started",
		"daily", crons.Daily, "weekly", crons.Weekly, "monthly", crons.Monthly)
	return nil
}

// runScheduler sleeps until the next cron tick, runs the period, and repeats.
func (g *Generator) runScheduler(ctx context.Context, period domain.DigestPeriod, expr string) {
	for {
		next, err := gronx.NextTickAfter(expr, g.now().UTC(), false)
		if err != nil {
			g.log.Error("compute next digest tick", "period", period, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if err := g.Run(ctx, period); err != nil {
				g.log.Error("digest run failed", "period", period, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Run generates, persists, and broadcasts one period's digest. Also invoked
// by the manual trigger endpoints.
func (g *Generator) Run(ctx context.Context, period domain.DigestPeriod) error {
	var notifications []domain.Notification
	switch period {
	case domain.DigestDaily:
		notifications = g.generateDaily(ctx)
	case domain.DigestWeekly:
		notifications = g.generateWeekly(ctx)
	case domain.DigestMonthly:
		notifications = g.generateMonthly(ctx)
	default:
		return fmt.Errorf("unknown digest period %q", period)
	}
	if err := g.store.InsertNotifications(ctx, notifications); err != nil {
		return fmt.Errorf("store %s digest: %w", period, err)
	}
	g.publisher.PublishGlobal(chat.NewEnvelope(eventFor(period), digestPayload{
		Type:      string(period) + "_summary",
		Data:      notifications,
		Timestamp: g.now().UTC().Format(time.RFC3339),
	}))
	g.log.Info("digest sent", "period", period, "notifications", len(notifications))
	return nil
}

func eventFor(period domain.DigestPeriod) string {
	switch period {
	case domain.DigestWeekly:
		return chat.EvtWeeklyNotifs
	case domain.DigestMonthly:
		return chat.EvtMonthlyNotifs
	default:
		return chat.EvtDailyNotifs
	}
}

type digestPayload struct {
	Type      string                `json:"type"`
	Data      []domain.Notification `json:"data"`
	Timestamp string                `json:"timestamp"`
}

func (g *Generator) generateDaily(ctx context.Context) []domain.Notification {
	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var out []domain.Notification

	if drugs, err := g.metrics.TopSellingDrugs(ctx, dayStart, 1); err != nil {
		g.log.Error("daily digest metric", "metric", "top_drug", "error", err)
	} else if len(drugs) > 0 {
		top := drugs[0]
		out = append(out, domain.Notification{
			Period:   domain.DigestDaily,
			Key:      "top_drug_today",
			Title:    "Top Selling Drug Today",
			Message:  fmt.Sprintf("%s sold %d units", top.DrugName, top.TotalQuantity),
			Severity: "success",
			Data:     map[string]any{"drug": top},
		})
	}

	if shops, err := g.metrics.ShopRevenueRanking(ctx, dayStart); err != nil {
		g.log.Error("daily digest metric", "metric", "shop_ranking", "error", err)
	} else if len(shops) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestDaily,
			Key:      "shop_ranking_today",
			Title:    "Shop Performance Today",
			Message:  fmt.Sprintf("%s leads today with %.2f revenue", shops[0].ShopName, shops[0].Revenue),
			Severity: "info",
			Data:     map[string]any{"ranking": shops},
		})
	}

	if employees, err := g.metrics.EmployeeSalesRanking(ctx, dayStart, 1); err != nil {
		g.log.Error("daily digest metric", "metric", "best_employee", "error", err)
	} else if len(employees) > 0 {
		best := employees[0]
		out = append(out, domain.Notification{
			Period:   domain.DigestDaily,
			Key:      "best_employee_today",
			Title:    "Top Performer Today",
			Message:  fmt.Sprintf("%s made %d sales", best.Name, best.SalesCount),
			Severity: "success",
			Data:     map[string]any{"employee": best},
		})
	}

	if profit, err := g.metrics.NetProfit(ctx, dayStart, now); err != nil {
		g.log.Error("daily digest metric", "metric", "net_profit", "error", err)
	} else {
		out = append(out, domain.Notification{
			Period:   domain.DigestDaily,
			Key:      "net_profit_today",
			Title:    "Daily Profit Summary",
			Message:  fmt.Sprintf("Net profit today: %.2f (Revenue: %.2f, Cost: %.2f)", profit.Profit, profit.Revenue, profit.Cost),
			Severity: profitSeverity(profit.Profit),
			Data:     map[string]any{"profit": profit},
		})
	}

	if interactive, ok, err := g.metrics.MostInteractiveEmployee(ctx, dayStart); err != nil {
		g.log.Error("daily digest metric", "metric", "most_interactive", "error", err)
	} else if ok {
		out = append(out, domain.Notification{
			Period:   domain.DigestDaily,
			Key:      "most_interactive_today",
			Title:    "Most Interactive Today",
			Message:  fmt.Sprintf("%s had %d interactions", interactive.Name, interactive.InteractionScore),
			Severity: "info",
			Data:     map[string]any{"employee": interactive},
		})
	}
	return out
}

func (g *Generator) generateWeekly(ctx context.Context) []domain.Notification {
	now := g.now().UTC()
	weekStart := startOfWeek(now)
	prevStart := weekStart.AddDate(0, 0, -7)
	var out []domain.Notification

	if drugs, err := g.metrics.TopSellingDrugs(ctx, weekStart, 5); err != nil {
		g.log.Error("weekly digest metric", "metric", "top_drugs", "error", err)
	} else if len(drugs) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestWeekly,
			Key:      "top_drugs_week",
			Title:    "Top Selling Drugs This Week",
			Message:  "Top 3: " + joinDrugNames(drugs, 3),
			Severity: "success",
			Data:     map[string]any{"drugs": drugs},
		})
	}

	if shops, err := g.metrics.ShopRevenueRanking(ctx, weekStart); err != nil {
		g.log.Error("weekly digest metric", "metric", "shop_ranking", "error", err)
	} else if len(shops) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestWeekly,
			Key:      "shop_ranking_week",
			Title:    "Weekly Shop Performance",
			Message:  fmt.Sprintf("%s leads this week with %.2f revenue", shops[0].ShopName, shops[0].Revenue),
			Severity: "info",
			Data:     map[string]any{"ranking": shops},
		})
	}

	if employees, err := g.metrics.EmployeeSalesRanking(ctx, weekStart, 5); err != nil {
		g.log.Error("weekly digest metric", "metric", "employee_ranking", "error", err)
	} else if len(employees) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestWeekly,
			Key:      "employee_ranking_week",
			Title:    "Employee Performance This Week",
			Message:  fmt.Sprintf("Top performer: %s with %d sales", employees[0].Name, employees[0].SalesCount),
			Severity: "success",
			Data:     map[string]any{"ranking": employees},
		})
	}

	if profit, err := g.profitWithGrowth(ctx, prevStart, weekStart, now); err != nil {
		g.log.Error("weekly digest metric", "metric", "weekly_profit", "error", err)
	} else {
		out = append(out, domain.Notification{
			Period:   domain.DigestWeekly,
			Key:      "weekly_profit",
			Title:    "Weekly Profit Summary",
			Message:  fmt.Sprintf("Total profit this week: %.2f (%+.2f%% vs last week)", profit.Profit, profit.Growth),
			Severity: growthSeverity(profit.Growth),
			Data:     map[string]any{"profit": profit},
		})
	}
	return out
}

func (g *Generator) generateMonthly(ctx context.Context) []domain.Notification {
	now := g.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prevStart := monthStart.AddDate(0, -1, 0)
	var out []domain.Notification

	if drugs, err := g.metrics.TopSellingDrugs(ctx, monthStart, 5); err != nil {
		g.log.Error("monthly digest metric", "metric", "top_drugs", "error", err)
	} else if len(drugs) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestMonthly,
			Key:      "top_drugs_month",
			Title:    "Top Selling Drugs This Month",
			Message:  "Top 5: " + joinDrugNames(drugs, 5),
			Severity: "success",
			Data:     map[string]any{"drugs": drugs},
		})
	}

	if shops, err := g.metrics.ShopRevenueRanking(ctx, monthStart); err != nil {
		g.log.Error("monthly digest metric", "metric", "shop_ranking", "error", err)
	} else if len(shops) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestMonthly,
			Key:      "shop_ranking_month",
			Title:    "Monthly Shop Performance",
			Message:  fmt.Sprintf("%s leads this month with %.2f revenue", shops[0].ShopName, shops[0].Revenue),
			Severity: "info",
			Data:     map[string]any{"ranking": shops},
		})
	}

	if employees, err := g.metrics.EmployeeSalesRanking(ctx, monthStart, 1); err != nil {
		g.log.Error("monthly digest metric", "metric", "monthly_awards", "error", err)
	} else if len(employees) > 0 {
		out = append(out, domain.Notification{
			Period:   domain.DigestMonthly,
			Key:      "monthly_awards",
			Title:    "Monthly Awards",
			Message:  "Employee of the Month: " + employees[0].Name,
			Severity: "success",
			Data:     map[string]any{"employee_of_month": employees[0]},
		})
	}

	if profit, err := g.profitWithGrowth(ctx, prevStart, monthStart, now); err != nil {
		g.log.Error("monthly digest metric", "metric", "monthly_profit", "error", err)
	} else {
		out = append(out, domain.Notification{
			Period:   domain.DigestMonthly,
			Key:      "monthly_profit",
			Title:    "Monthly Profit Summary",
			Message:  fmt.Sprintf("Total profit this month: %.2f (%+.2f%% vs last month)", profit.Profit, profit.Growth),
			Severity: growthSeverity(profit.Growth),
			Data:     map[string]any{"profit": profit},
		})
	}
	return out
}

// profitWithGrowth computes the current period's profit plus growth vs the
// previous period. Growth is zero when the previous period had no profit.
func (g *Generator) profitWithGrowth(ctx context.Context, prevStart, start, now time.Time) (domain.ProfitSummary, error) {
	current, err := g.metrics.NetProfit(ctx, start, now)
	if err != nil {
		return domain.ProfitSummary{}, err
	}
	previous, err := g.metrics.NetProfit(ctx, prevStart, start)
	if err != nil {
		return domain.ProfitSummary{}, err
	}
	if previous.Profit > 0 {
		current.Growth = roundTwo((current.Profit - previous.Profit) / previous.Profit * 100)
	}
	return current, nil
}

// startOfWeek returns the most recent Sunday midnight UTC.
func startOfWeek(t time.Time) time.Time {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func joinDrugNames(drugs []domain.DrugSales, max int) string {
	if len(drugs) > max {
		drugs = drugs[:max]
	}
	names := make([]string, 0, len(drugs))
	for _, d := range drugs {
		names = append(names, d.DrugName)
	}
	return strings.Join(names, ", ")
}

func profitSeverity(profit float64) string {
	if profit > 0 {
		return "success"
	}
	return "warning"
}

func growthSeverity(growth float64) string {
	if growth > 0 {
		return "success"
	}
	return "warning"
}

func roundTwo(v float64) float64 {
	return math.Round(v*100) / 100
}
