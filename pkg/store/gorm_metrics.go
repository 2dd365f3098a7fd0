package store

import (
	"context"
	"time"

	"pharmachat/pkg/domain"
)

// MetricsStore implementation. These queries read the retail system's sale,
// sale_item, drug, shop, and pharmacist tables; nothing here writes.

// TopSellingDrugs ranks drugs by units sold since the cutoff.
func (s *GormStore) TopSellingDrugs(ctx context.Context, since time.Time, limit int) ([]domain.DrugSales, error) {
	if limit < 1 {
		limit = 5
	}
	var rows []domain.DrugSales
	err := s.db.WithContext(ctx).Raw(`
		SELECT d.name AS drug_name,
		       SUM(si.quantity) AS total_quantity,
		       SUM(si.quantity * d.selling_price) AS total_revenue
		FROM sale_item si
		JOIN drug d ON si.drug_id = d.drug_id
		JOIN sale s ON si.sale_id = s.sale_id
		WHERE s.date >= ?
		GROUP BY d.drug_id, d.name
		ORDER BY total_quantity DESC
		LIMIT ?`, since, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ShopRevenueRanking ranks shops by profit contribution since the cutoff.
// Shops with no sales appear with zero revenue.
func (s *GormStore) ShopRevenueRanking(ctx context.Context, since time.Time) ([]domain.ShopRevenue, error) {
	var rows []domain.ShopRevenue
	err := s.db.WithContext(ctx).Raw(`
		SELECT sh.shop_id, sh.name AS shop_name,
		       COALESCE(rev.total_amount, 0) AS revenue
		FROM shop sh
		LEFT JOIN (
			SELECT s.shop_id,
			       SUM((si.quantity * d.selling_price) - (si.quantity * d.cost_price)) AS total_amount
			FROM sale s
			JOIN sale_item si ON s.sale_id = si.sale_id
			JOIN drug d ON si.drug_id = d.drug_id
			WHERE s.date >= ?
			GROUP BY s.shop_id
		) rev ON sh.shop_id = rev.shop_id
		ORDER BY revenue DESC`, since).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

// EmployeeSalesRanking ranks pharmacists by profit generated since the cutoff.
func (s *GormStore) EmployeeSalesRanking(ctx context.Context, since time.Time, limit int) ([]domain.EmployeeSales, error) {
	if limit < 1 {
		limit = 5
	}
	var rows []domain.EmployeeSales
	err := s.db.WithContext(ctx).Raw(`
		SELECT p.name AS employee_name,
		       COUNT(DISTINCT s.sale_id) AS sales_count,
		       SUM((si.quantity * d.selling_price) - (si.quantity * d.cost_price)) AS total_profit
		FROM sale s
		JOIN pharmacist p ON s.pharmacist_id = p.pharmacist_id
		JOIN sale_item si ON s.sale_id = si.sale_id
		JOIN drug d ON si.drug_id = d.drug_id
		WHERE s.date >= ?
		GROUP BY p.pharmacist_id, p.name
		ORDER BY total_profit DESC
		LIMIT ?`, since, limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

// NetProfit sums revenue, cost, and profit over [since, until).
func (s *GormStore) NetProfit(ctx context.Context, since, until time.Time) (domain.ProfitSummary, error) {
	var row domain.ProfitSummary
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(si.quantity * d.selling_price), 0) AS revenue,
		       COALESCE(SUM(si.quantity * d.cost_price), 0) AS cost,
		       COALESCE(SUM((si.quantity * d.selling_price) - (si.quantity * d.cost_price)), 0) AS profit
		FROM sale s
		JOIN sale_item si ON s.sale_id = si.sale_id
		JOIN drug d ON si.drug_id = d.drug_id
		WHERE s.date >= ? AND s.date < ?`, since, until).Scan(&row).Error
	if err != nil {
		return domain.ProfitSummary{}, err
	}
	return row, nil
}

// MostInteractiveEmployee returns the pharmacist with the most sales since
// the cutoff, false when there were no sales at all.
func (s *GormStore) MostInteractiveEmployee(ctx context.Context, since time.Time) (domain.EmployeeInteraction, bool, error) {
	var rows []domain.EmployeeInteraction
	err := s.db.WithContext(ctx).Raw(`
		SELECT p.name AS employee_name,
		       COUNT(s.sale_id) AS interaction_score
		FROM sale s
		JOIN pharmacist p ON s.pharmacist_id = p.pharmacist_id
		WHERE s.date >= ?
		GROUP BY p.pharmacist_id, p.name
		ORDER BY interaction_score DESC
		LIMIT 1`, since).Scan(&rows).Error
	if err != nil {
		return domain.EmployeeInteraction{}, false, err
	}
	if len(rows) == 0 {
		return domain.EmployeeInteraction{}, false, nil
	}
	return rows[0], true, nil
}
