package handlers

import (
	"github.com/storefront/fulfillment/internal/domain"
	"github.com/storefront/fulfillment/internal/services"
)

type addressPayload struct {
	Recipient   string `json:"recipient"`
	Company     string `json:"company,omitempty"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	Phone       string `json:"phone,omitempty"`
	Residential bool   `json:"residential"`
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		Recipient:   p.Recipient,
		Company:     p.Company,
		Line1:       p.Line1,
		Line2:       p.Line2,
		City:        p.City,
		State:       p.State,
		PostalCode:  p.PostalCode,
		Country:     p.Country,
		Phone:       p.Phone,
		Residential: p.Residential,
	}
}

func buildAddressPayload(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		Recipient:   addr.Recipient,
		Company:     addr.Company,
		Line1:       addr.Line1,
		Line2:       addr.Line2,
		City:        addr.City,
		State:       addr.State,
		PostalCode:  addr.PostalCode,
		Country:     addr.Country,
		Phone:       addr.Phone,
		Residential: addr.Residential,
	}
}

type totalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

func buildTotalsPayload(t domain.OrderTotals) totalsPayload {
	return totalsPayload{Subtotal: t.Subtotal, Discount: t.Discount, Shipping: t.Shipping, Tax: t.Tax, Total: t.Total}
}

type couponPayload struct {
	Code         string `json:"code"`
	DiscountType string `json:"discount_type"`
	Value        int64  `json:"value"`
	Discount     int64  `json:"discount"`
}

func buildCouponPayload(c *domain.AppliedCoupon) *couponPayload {
	if c == nil {
		return nil
	}
	return &couponPayload{Code: c.Code, DiscountType: string(c.DiscountType), Value: c.Value, Discount: c.Discount}
}

type orderLinePayload struct {
	ProductID string `json:"product_id"`
	Title     string `json:"title"`
	ImageURL  string `json:"image_url,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
}

type shipmentPayload struct {
	Carrier           string `json:"carrier"`
	TrackingNumber    string `json:"tracking_number"`
	ServiceType       string `json:"service_type"`
	LabelURL          string `json:"label_url,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
	PackageCount      int    `json:"package_count"`
	CreatedAt         string `json:"created_at"`
}

type trackingEventPayload struct {
	Status      string `json:"status"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

type statusChangePayload struct {
	Status string `json:"status"`
	At     string `json:"at"`
	Actor  string `json:"actor,omitempty"`
	Note   string `json:"note,omitempty"`
}

type refundPayload struct {
	RefundID   string `json:"refund_id,omitempty"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	RefundedAt string `json:"refunded_at,omitempty"`
}

type cancellationStepPayload struct {
	Step      string `json:"step"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

type cancellationPayload struct {
	Actor       string                    `json:"actor"`
	Reason      string                    `json:"reason,omitempty"`
	RequestedAt string                    `json:"requested_at"`
	CompletedAt string                    `json:"completed_at,omitempty"`
	Pending     bool                      `json:"pending"`
	Steps       []cancellationStepPayload `json:"steps"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"order_number"`
	UserID          string                 `json:"user_id"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"payment_status"`
	ShippingStatus  string                 `json:"shipping_status,omitempty"`
	Currency        string                 `json:"currency"`
	Totals          totalsPayload          `json:"totals"`
	Coupon          *couponPayload         `json:"coupon,omitempty"`
	Lines           []orderLinePayload     `json:"lines"`
	ShippingAddress *addressPayload        `json:"shipping_address,omitempty"`
	ShippingService string                 `json:"shipping_service,omitempty"`
	Shipment        *shipmentPayload       `json:"shipment,omitempty"`
	TrackingEvents  []trackingEventPayload `json:"tracking_events,omitempty"`
	StatusHistory   []statusChangePayload  `json:"status_history,omitempty"`
	Refund          *refundPayload         `json:"refund,omitempty"`
	StockDeduction  string                 `json:"stock_deduction,omitempty"`
	Cancellation    *cancellationPayload   `json:"cancellation,omitempty"`
	CreatedAt       string                 `json:"created_at"`
	UpdatedAt       string                 `json:"updated_at,omitempty"`
	PaidAt          string                 `json:"paid_at,omitempty"`
	ShippedAt       string                 `json:"shipped_at,omitempty"`
	DeliveredAt     string                 `json:"delivered_at,omitempty"`
	CancelledAt     string                 `json:"cancelled_at,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderSummaryPayload struct {
	ID            string `json:"id"`
	OrderNumber   string `json:"order_number"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	Currency      string `json:"currency"`
	Total         int64  `json:"total"`
	CreatedAt     string `json:"created_at"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

var cancellationStepOrder = []domain.CancellationStep{
	domain.CancellationStepVoidShipment,
	domain.CancellationStepRefundPayment,
	domain.CancellationStepRestoreInventory,
	domain.CancellationStepMarkCancelled,
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		OrderNumber:     order.Number,
		UserID:          order.UserID,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		ShippingStatus:  string(order.ShippingStatus),
		Currency:        order.Currency,
		Totals:          buildTotalsPayload(order.Totals),
		Coupon:          buildCouponPayload(order.Coupon),
		Lines:           make([]orderLinePayload, 0, len(order.Lines)),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		ShippingService: order.ShippingService,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CancelledAt:     formatTimePtr(order.CancelledAt),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ProductID: line.ProductID,
			Title:     line.Title,
			ImageURL:  line.ImageURL,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.LineTotal(),
		})
	}
	if s := order.Shipment; s != nil {
		payload.Shipment = &shipmentPayload{
			Carrier:           s.Carrier,
			TrackingNumber:    s.TrackingNumber,
			ServiceType:       s.ServiceType,
			LabelURL:          s.LabelURL,
			EstimatedDelivery: formatTimePtr(s.EstimatedDelivery),
			PackageCount:      len(s.Packages),
			CreatedAt:         formatTime(s.CreatedAt),
		}
	}
	for _, event := range order.TrackingEvents {
		payload.TrackingEvents = append(payload.TrackingEvents, trackingEventPayload{
			Status:      string(event.Status),
			Description: event.Description,
			Location:    event.Location,
			OccurredAt:  formatTime(event.OccurredAt),
		})
	}
	for _, change := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			Status: string(change.Status),
			At:     formatTime(change.At),
			Actor:  change.Actor,
			Note:   change.Note,
		})
	}
	if r := order.Refund; r != nil {
		payload.Refund = &refundPayload{RefundID: r.RefundID, Amount: r.Amount, Status: r.Status, RefundedAt: formatTime(r.RefundedAt)}
	}
	if d := order.StockDeduction; d != nil {
		payload.StockDeduction = string(d.Status)
	}
	if c := order.Cancellation; c != nil {
		cp := &cancellationPayload{
			Actor:       c.Actor,
			Reason:      c.Reason,
			RequestedAt: formatTime(c.RequestedAt),
			CompletedAt: formatTimePtr(c.CompletedAt),
			Pending:     c.Pending(),
		}
		for _, step := range cancellationStepOrder {
			state, ok := c.Steps[step]
			if !ok {
				continue
			}
			cp.Steps = append(cp.Steps, cancellationStepPayload{
				Step:      string(step),
				Status:    string(state.Status),
				Attempts:  state.Attempts,
				LastError: state.LastError,
			})
		}
		payload.Cancellation = cp
	}
	return payload
}

func buildOrderList(page []services.Order, next string) orderListResponse {
	resp := orderListResponse{Items: make([]orderSummaryPayload, 0, len(page)), NextPageToken: next}
	for _, order := range page {
		resp.Items = append(resp.Items, orderSummaryPayload{
			ID:            order.ID,
			OrderNumber:   order.Number,
			Status:        string(order.Status),
			PaymentStatus: string(order.PaymentStatus),
			Currency:      order.Currency,
			Total:         order.Totals.Total,
			CreatedAt:     formatTime(order.CreatedAt),
		})
	}
	return resp
}

type statisticsPayload struct {
	TotalOrders       int            `json:"total_orders"`
	ByStatus          map[string]int `json:"by_status"`
	ByPaymentStatus   map[string]int `json:"by_payment_status"`
	GrossRevenue      int64          `json:"gross_revenue"`
	RefundedAmount    int64          `json:"refunded_amount"`
	NetRevenue        int64          `json:"net_revenue"`
	AverageOrderValue int64          `json:"average_order_value"`
	From              string         `json:"from,omitempty"`
	To                string         `json:"to,omitempty"`
}

func buildStatisticsPayload(stats services.OrderStatistics) statisticsPayload {
	payload := statisticsPayload{
		TotalOrders:       stats.TotalOrders,
		ByStatus:          make(map[string]int, len(stats.ByStatus)),
		ByPaymentStatus:   make(map[string]int, len(stats.ByPaymentStatus)),
		GrossRevenue:      stats.GrossRevenue,
		RefundedAmount:    stats.RefundedAmount,
		NetRevenue:        stats.NetRevenue,
		AverageOrderValue: stats.AverageOrderValue,
		From:              formatTimePtr(stats.From),
		To:                formatTimePtr(stats.To),
	}
	for status, count := range stats.ByStatus {
		payload.ByStatus[string(status)] = count
	}
	for status, count := range stats.ByPaymentStatus {
		payload.ByPaymentStatus[string(status)] = count
	}
	return payload
}

type ratePayload struct {
	ServiceType       string `json:"service_type"`
	ServiceName       string `json:"service_name"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	TransitDays       int    `json:"transit_days,omitempty"`
	EstimatedDelivery string `json:"estimated_delivery,omitempty"`
}
