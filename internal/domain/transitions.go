package domain

var automaticTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:               {OrderStatusVerified},
	OrderStatusVerified:              {OrderStatusPaymentSessionCreated},
	OrderStatusPaymentSessionCreated: {OrderStatusPaid, OrderStatusPaymentFailed},
	OrderStatusPaymentFailed:         {OrderStatusPaymentSessionCreated},
	OrderStatusPaid:                  {OrderStatusConfirmed, OrderStatusShipped},
	OrderStatusConfirmed:             {OrderStatusShipped},
	OrderStatusShipped:               {OrderStatusDelivered},
}

var adminForward = map[OrderStatus][]OrderStatus{
	OrderStatusPaid:      {OrderStatusConfirmed, OrderStatusShipped},
	OrderStatusConfirmed: {OrderStatusShipped},
	OrderStatusShipped:   {OrderStatusDelivered},
}

// CanAdvance reports whether the system may move an order from one status to another.
func CanAdvance(from, to OrderStatus) bool {
	for _, next := range automaticTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AdminCanSet reports whether an administrator may move an order from one status to
// another. Cancellation and rejection are open from every non-terminal status; forward
// moves are limited to fulfilment steps after payment.
func AdminCanSet(from, to OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to.Closed() {
		return true
	}
	for _, next := range adminForward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SystemCanClose reports whether a background job may cancel an order in status s
// because its stock hold lapsed.
func SystemCanClose(s OrderStatus) bool {
	switch s {
	case OrderStatusCreated, OrderStatusVerified, OrderStatusPaymentFailed, OrderStatusPaymentSessionCreated:
		return true
	}
	return false
}

// ShipsStock reports whether reaching s means the reserved unit left the warehouse.
func ShipsStock(s OrderStatus) bool {
	return s == OrderStatusShipped || s == OrderStatusDelivered
}
