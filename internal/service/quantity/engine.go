package quantity

import "shopcart/internal/domain"

const (
	DenyAmountNotPositive = "amount_not_positive"
	DenyOutOfStock        = "out_of_stock"
)

// Engine decides whether a cart line may hold the desired amount given the
// stock figure the catalog reported for it.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Evaluate(input domain.QuantityInput) domain.QuantityDecision {
	if input.Desired < 1 {
		return domain.QuantityDecision{Allowed: false, DenyReason: DenyAmountNotPositive}
	}
	if input.Desired > input.Available {
		return domain.QuantityDecision{Allowed: false, DenyReason: DenyOutOfStock}
	}
	return domain.QuantityDecision{Allowed: true}
}
