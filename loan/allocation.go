package loan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION RULE - How a payment spreads over installments
// =============================================================================

// AllocationRule is supplied by loan configuration.
//
//	Order                        components in the order a payment settles them
//	ApplyExcessToNextInstallment true: finish one installment (all of Order), then the next
//	                             false: settle one component across every installment, then the next component
//	ApplyInChronologicalOrder    true: each payment rescans from the first installment, catching up
//	                             earlier shortfalls first
//	                             false: payments start at the earliest installment not fully
//	                             satisfied, recomputed for every payment
//	TreatOverpaymentAsAdvance    installments due after the payment date are settled principal-first
//	CreditOrder                  order in which a chargeback re-opens its origin's components
type AllocationRule struct {
	Order                        []Component `json:"order"`
	ApplyExcessToNextInstallment bool        `json:"apply_excess_to_next_installment"`
	ApplyInChronologicalOrder    bool        `json:"apply_in_chronological_order"`
	TreatOverpaymentAsAdvance    bool        `json:"treat_overpayment_as_advance"`
	CreditOrder                  []Component `json:"credit_order"`
}

// DefaultAllocationRule settles penalty, fee, interest, principal per installment.
func DefaultAllocationRule() AllocationRule {
	return AllocationRule{
		Order:                        []Component{Penalty, Fee, Interest, Principal},
		ApplyExcessToNextInstallment: true,
		CreditOrder:                  []Component{Principal, Interest, Fee, Penalty},
	}
}

// Validate checks that Order and CreditOrder are permutations of the components.
func (r AllocationRule) Validate() error {
	if err := validatePermutation("order", r.Order); err != nil {
		return err
	}
	if len(r.CreditOrder) > 0 {
		return validatePermutation("credit_order", r.CreditOrder)
	}
	return nil
}

func validatePermutation(name string, order []Component) error {
	if len(order) != len(AllComponents()) {
		return fmt.Errorf("allocation %s must list all %d components, got %d", name, len(AllComponents()), len(order))
	}
	seen := make(map[Component]bool)
	for _, c := range order {
		if c < Principal || c > Penalty {
			return fmt.Errorf("allocation %s: unknown component %d", name, int(c))
		}
		if seen[c] {
			return fmt.Errorf("allocation %s: duplicate component %s", name, c)
		}
		seen[c] = true
	}
	return nil
}

func (r AllocationRule) creditOrder() []Component {
	if len(r.CreditOrder) == 0 {
		return DefaultAllocationRule().CreditOrder
	}
	return r.CreditOrder
}

// orderFor returns the component order used for one installment.
func (r AllocationRule) orderFor(inst *Installment, on Date) []Component {
	if !r.TreatOverpaymentAsAdvance || !inst.DueDate.After(on) {
		return r.Order
	}
	return r.advanceOrder()
}

// advanceOrder is the order used for installments not yet due.
func (r AllocationRule) advanceOrder() []Component {
	if !r.TreatOverpaymentAsAdvance {
		return r.Order
	}
	order := []Component{Principal}
	for _, c := range r.Order {
		if c != Principal {
			order = append(order, c)
		}
	}
	return order
}

// =============================================================================
// ALLOCATOR - Applies one amount to the installments under a rule
// =============================================================================

// paymentAllocator applies payments under one rule during a replay.
type paymentAllocator struct {
	rule AllocationRule
}

// payHook is invoked after each successful component payment so fee and
// penalty payments can be attributed to individual charges.
type payHook func(inst *Installment, c Component, amount decimal.Decimal)

// allocate applies amount across installments and returns the split and the
// unallocated remainder.
func (a *paymentAllocator) allocate(insts []*Installment, on Date, amount decimal.Decimal, hook payHook) (Portions, decimal.Decimal) {
	var split Portions
	remaining := amount
	visit := a.visitOrder(insts)

	pay := func(inst *Installment, c Component) {
		if !remaining.IsPositive() {
			return
		}
		applied := inst.Pay(c, on, remaining)
		if applied.IsZero() {
			return
		}
		remaining = remaining.Sub(applied)
		split.Add(c, applied)
		if hook != nil {
			hook(inst, c, applied)
		}
	}

	if a.rule.ApplyExcessToNextInstallment {
		for _, inst := range visit {
			for _, c := range a.rule.orderFor(inst, on) {
				pay(inst, c)
			}
			if !remaining.IsPositive() {
				break
			}
		}
	} else {
		// Vertical: installments already due are swept per component first,
		// then future installments per component.
		for _, due := range []bool{true, false} {
			order := a.rule.Order
			if !due {
				order = a.rule.advanceOrder()
			}
			for _, c := range order {
				for _, inst := range visit {
					if inst.Due(on) == due {
						pay(inst, c)
					}
				}
			}
		}
	}

	return split, remaining
}

// visitOrder lists installments in the order a payment reaches them.
// Chronological mode always starts from the first installment. Otherwise the
// payment starts at the earliest installment that is not fully satisfied, so
// an installment re-opened by a chargeback is reached before later ones.
func (a *paymentAllocator) visitOrder(insts []*Installment) []*Installment {
	if a.rule.ApplyInChronologicalOrder {
		return insts
	}
	return insts[firstOpen(insts):]
}

// firstOpen returns the index of the first installment with anything outstanding.
func firstOpen(insts []*Installment) int {
	for i, inst := range insts {
		if !inst.IsFullySatisfied() {
			return i
		}
	}
	return len(insts)
}
