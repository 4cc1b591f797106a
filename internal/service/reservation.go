package service

import (
	"context"
	"database/sql"
	"sort"

	"github.com/safar/storefront/internal/models"
	"github.com/safar/storefront/internal/store"
	"github.com/shopspring/decimal"
)

// orderLine is one product line to reserve. A nil price means the product's
// current price is charged.
type orderLine struct {
	ProductID int64
	Quantity  int
	UnitPrice *decimal.Decimal
}

// mergeLines folds repeated products into one line each and sorts the result
// by product id, which is the order product rows are locked in.
func mergeLines(lines []models.LineRequest) []orderLine {
	byProduct := make(map[int64]int, len(lines))
	for _, l := range lines {
		byProduct[l.ProductID] += l.Quantity
	}
	out := make([]orderLine, 0, len(byProduct))
	for id, qty := range byProduct {
		out = append(out, orderLine{ProductID: id, Quantity: qty})
	}
	sortLines(out)
	return out
}

func sortLines(lines []orderLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
}

// placeOrder takes stock for every line and writes the order with its items
// and the order.created event. The caller's transaction is rolled back on any
// error, which releases whatever was taken before it.
func placeOrder(ctx context.Context, tx *sql.Tx, order *models.Order, lines []orderLine) error {
	total := decimal.Zero
	items := make([]models.OrderItem, 0, len(lines))

	for _, line := range lines {
		product, err := store.LockProduct(ctx, tx, line.ProductID, line.Quantity)
		if err != nil {
			return err
		}

		if err := store.DecrementStock(ctx, tx, line.ProductID, line.Quantity); err != nil {
			return err
		}

		price := product.Price
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		}
		subtotal := price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		total = total.Add(subtotal)

		items = append(items, models.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: price,
			Subtotal:  subtotal,
		})
	}

	order.Status = models.OrderStatusPending
	order.PaymentStatus = models.OrderPaymentPending
	order.TotalAmount = total

	if err := store.InsertOrder(ctx, tx, order); err != nil {
		return err
	}

	for i := range items {
		items[i].OrderID = order.ID
		if err := store.InsertOrderItem(ctx, tx, &items[i]); err != nil {
			return err
		}
	}
	order.Items = items

	return recordOrderCreated(ctx, tx, order)
}

// releaseStock returns the units of a cancelled order to the ledger.
func releaseStock(ctx context.Context, tx *sql.Tx, orderID int64) error {
	items, err := store.ListOrderItems(ctx, tx, orderID)
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	for _, it := range items {
		if err := store.IncrementStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// cancelOrder moves a locked order to cancelled, restocking when the goods
// never left the warehouse.
func cancelOrder(ctx context.Context, tx *sql.Tx, order *models.Order, reason string) error {
	from := order.Status
	if from.Restockable() {
		if err := releaseStock(ctx, tx, order.ID); err != nil {
			return err
		}
	}
	if err := store.UpdateOrderStatus(ctx, tx, order.ID, models.OrderStatusCancelled); err != nil {
		return err
	}
	order.Status = models.OrderStatusCancelled
	return recordOrderStatusChanged(ctx, tx, order.ID, from, models.OrderStatusCancelled, reason)
}
