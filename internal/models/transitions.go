package models

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered, OrderStatusCancelled},
}

var orderPaymentTransitions = map[OrderPaymentStatus][]OrderPaymentStatus{
	OrderPaymentPending: {OrderPaymentPaid, OrderPaymentFailed},
	OrderPaymentFailed:  {OrderPaymentPending, OrderPaymentPaid},
	OrderPaymentPaid:    {OrderPaymentRefunded},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:    {PaymentStatusProcessing},
	PaymentStatusProcessing: {PaymentStatusSucceeded, PaymentStatusFailed},
	PaymentStatusSucceeded:  {PaymentStatusRefunded},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Restockable reports whether cancelling an order in this status returns
// its reserved units to the ledger. Shipped goods are not back on the shelf.
func (s OrderStatus) Restockable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

func (s OrderPaymentStatus) Valid() bool {
	switch s {
	case OrderPaymentPending, OrderPaymentPaid, OrderPaymentFailed, OrderPaymentRefunded:
		return true
	}
	return false
}

// Payable reports whether a new payment attempt may be opened for the order.
func (s OrderPaymentStatus) Payable() bool {
	return s == OrderPaymentPending || s == OrderPaymentFailed
}

var paymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusProcessing,
	PaymentStatusSucceeded,
	PaymentStatusFailed,
	PaymentStatusRefunded,
}

func (s PaymentStatus) Valid() bool {
	return contains(paymentStatuses, s)
}

// InFlight reports whether the payment still blocks a new attempt on its order.
func (s PaymentStatus) InFlight() bool {
	return s == PaymentStatusPending || s == PaymentStatusProcessing || s == PaymentStatusSucceeded
}

// InFlightPaymentStatuses lists every status for which InFlight is true.
func InFlightPaymentStatuses() []string {
	var out []string
	for _, s := range paymentStatuses {
		if s.InFlight() {
			out = append(out, string(s))
		}
	}
	return out
}

// CanTransitionOrder reports whether an admin may move an order's fulfillment
// status from one state to another. Staying in the same state is not a transition.
func CanTransitionOrder(from, to OrderStatus) bool {
	return contains(orderTransitions[from], to)
}

// CanTransitionOrderPayment reports whether an order's payment status may move
// from one state to another.
func CanTransitionOrderPayment(from, to OrderPaymentStatus) bool {
	return contains(orderPaymentTransitions[from], to)
}

// CanTransitionPayment reports whether a payment record may move forward.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return contains(paymentTransitions[from], to)
}

// PaymentReachable reports whether a payment in status from can still get to
// status to through one or more forward transitions.
func PaymentReachable(from, to PaymentStatus) bool {
	seen := map[PaymentStatus]bool{from: true}
	queue := []PaymentStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range paymentTransitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
