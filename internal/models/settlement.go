package models

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// CurrencyPlaces is the precision money values are rounded to
const CurrencyPlaces = 2

// NewOrderItem freezes price and commission at creation and computes the escrowed share
func NewOrderItem(product *Product, quantity int, commissionPercentage decimal.Decimal) OrderItem {
	item := OrderItem{
		ProductID:            product.ID,
		SellerID:             product.SellerID,
		ProductName:          product.Name,
		Quantity:             quantity,
		Price:                product.Price,
		CommissionPercentage: commissionPercentage,
		EscrowStatus:         EscrowStatusHeld,
		RefundStatus:         RefundStatusNone,
	}
	item.PlatformFee = item.platformFee()
	item.SupplierEarnings = item.Subtotal().Sub(item.PlatformFee)
	item.EscrowAmount = item.SupplierEarnings
	return item
}

// Subtotal is price × quantity
func (i *OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (i *OrderItem) platformFee() decimal.Decimal {
	return i.Subtotal().Mul(i.CommissionPercentage).Div(hundred).Round(CurrencyPlaces)
}

// HeldAmount is what remains in escrow for this line
func (i *OrderItem) HeldAmount() decimal.Decimal {
	if i.EscrowStatus == EscrowStatusReleased {
		return decimal.Zero
	}
	held := i.EscrowAmount.Sub(i.RefundAmount).Sub(i.ReleasedAmount)
	if held.IsNegative() {
		return decimal.Zero
	}
	return held
}

// Recalculate recomputes every derived total from the items.
// Totals are never patched incrementally.
func (o *Order) Recalculate() {
	var total, commission, earnings, refunded, released, held decimal.Decimal

	for i := range o.Items {
		item := &o.Items[i]
		item.PlatformFee = item.platformFee()
		item.SupplierEarnings = item.Subtotal().Sub(item.PlatformFee)

		total = total.Add(item.Subtotal())
		commission = commission.Add(item.PlatformFee)
		earnings = earnings.Add(item.SupplierEarnings)
		refunded = refunded.Add(item.RefundAmount)
		released = released.Add(item.ReleasedAmount)
		held = held.Add(item.HeldAmount())
	}

	o.TotalAmount = total
	o.TotalCommission = commission
	o.TotalSupplierEarnings = earnings
	o.TotalRefunded = refunded
	o.TotalReleased = released
	o.TotalEscrowHeld = held

	if refunded.IsPositive() {
		if refunded.GreaterThanOrEqual(total) {
			o.Status = OrderStatusRefunded
			o.PaymentStatus = PaymentStatusRefunded
		} else {
			o.Status = OrderStatusPartiallyRefunded
			o.PaymentStatus = PaymentStatusPartiallyRefunded
		}
	}
}

// SettleRelease books a confirmed supplier payout of sent against the held items
// in order. Any remainder kept back by whole-unit rounding stays with the platform.
func (o *Order) SettleRelease(sent decimal.Decimal) {
	remaining := sent
	for i := range o.Items {
		item := &o.Items[i]
		share := decimal.Min(item.HeldAmount(), remaining)
		item.ReleasedAmount = item.ReleasedAmount.Add(share)
		remaining = remaining.Sub(share)
		if item.EscrowStatus == EscrowStatusHeld {
			item.EscrowStatus = EscrowStatusReleased
		}
	}
}

// Item returns the item with the given id
func (o *Order) Item(itemID int64) (*OrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].ID == itemID {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// HasPendingRefund reports whether any item has an open refund request
func (o *Order) HasPendingRefund() bool {
	for i := range o.Items {
		if o.Items[i].RefundStatus == RefundStatusPending {
			return true
		}
	}
	return false
}

// IsSeller reports whether the user sells this order or any of its items
func (o *Order) IsSeller(userID int64) bool {
	if o.SupplierID == userID {
		return true
	}
	for i := range o.Items {
		if o.Items[i].SellerID == userID {
			return true
		}
	}
	return false
}

// AmountDue is what the buyer is charged: goods plus delivery
func (o *Order) AmountDue() decimal.Decimal {
	return o.TotalAmount.Add(o.ShippingCost)
}

// Clone returns a copy whose items can be mutated independently
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]OrderItem, len(o.Items))
	copy(c.Items, o.Items)
	return &c
}
