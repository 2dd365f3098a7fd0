package domain

// Aggregate sales facts consumed by the digest generator. These are read-only
// projections over the sales/inventory tables owned by the retail system.

type DrugSales struct {
	DrugName      string  `json:"drug_name"`
	TotalQuantity int64   `json:"total_quantity"`
	TotalRevenue  float64 `json:"total_revenue"`
}

type ShopRevenue struct {
	ShopID   ShopID  `json:"shop_id"`
	ShopName string  `json:"shop_name"`
	Revenue  float64 `json:"revenue"`
	Rank     int     `json:"rank"`
}

type EmployeeSales struct {
	Name        string  `json:"employee_name"`
	SalesCount  int64   `json:"sales_count"`
	TotalProfit float64 `json:"total_profit"`
	Rank        int     `json:"rank,omitempty"`
}

type EmployeeInteraction struct {
	Name             string `json:"employee_name"`
	InteractionScore int64  `json:"interaction_score"`
}

type ProfitSummary struct {
	Revenue float64 `json:"revenue"`
	Cost    float64 `json:"cost"`
	Profit  float64 `json:"profit"`
	// Growth vs the previous period, percent. Only set for weekly/monthly.
	Growth float64 `json:"growth,omitempty"`
}

// NotificationView pairs a stored notification with the caller's read state.
type NotificationView struct {
	Notification
	Read bool `json:"is_read"`
}
