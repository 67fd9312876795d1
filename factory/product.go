/*
Package factory provides JSON to Go loan conversion.

PURPOSE:
  Converts JSON loan product and loan definitions into loan.Loan aggregates.
  Products carry the configuration that is shared by many loans (currency,
  allocation rule, charge-off behaviour, default charges). A loan definition
  names its product and brings its own repayment schedule.

JSON SCHEMA (product):
  {
    "id": "consumer-12m",
    "name": "Consumer loan, 12 months",
    "currency": {"code": "USD", "digits": 2},
    "allocation_rule": {
      "order": ["penalty", "fee", "interest", "principal"],
      "credit_order": ["principal", "interest", "fee", "penalty"],
      "apply_excess_to_next_installment": false
    },
    "charge_off_behaviour": "zero_interest",
    "multi_disbursement": false,
    "charges": [
      {"name": "Servicing fee", "time_type": "installment_fee",
       "calculation_type": "flat", "amount": "2.50"}
    ]
  }

JSON SCHEMA (loan):
  {
    "product_id": "consumer-12m",
    "external_id": "app-1029",
    "approved_principal": "1200",
    "installments": [
      {"number": 1, "from_date": "2024-01-01", "due_date": "2024-02-01",
       "principal": "100", "interest": "10"}
    ]
  }

  Instead of "installments" a loan may give a flat "schedule"; the factory
  then splits principal and interest evenly over equal periods. Anything more
  elaborate belongs in the external schedule generator.

KEY FEATURES:
  - Validates structure with go-playground/validator tags
  - Sets sensible defaults (currency, allocation rule, behaviour)
  - Attaches the product's default charges to every loan

USAGE:
  f := factory.NewLoanFactory()
  product, err := f.ParseProduct(productJSON)
  l, err := f.ParseLoan(loanJSON, product)
  result, err := svc.Create(ctx, l, businessDate)

SEE ALSO:
  - loan/loan.go: Loan aggregate
  - store/sqlite: ProductRecord persistence
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/loan-servicing/loan"
)

// ErrInvalidDefinition wraps every validation failure of a JSON definition.
var ErrInvalidDefinition = errors.New("invalid definition")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProductJSON is the JSON representation of a loan product.
type ProductJSON struct {
	ID                 string              `json:"id" validate:"required"`
	Name               string              `json:"name" validate:"required"`
	Currency           *CurrencyJSON       `json:"currency,omitempty"`
	AllocationRule     *AllocationRuleJSON `json:"allocation_rule,omitempty"`
	ChargeOffBehaviour string              `json:"charge_off_behaviour,omitempty" validate:"omitempty,oneof=regular zero_interest accelerate_maturity"`
	MultiDisbursement  bool                `json:"multi_disbursement,omitempty"`
	Charges            []ChargeJSON        `json:"charges,omitempty" validate:"dive"`
}

// CurrencyJSON represents the rounding context.
type CurrencyJSON struct {
	Code   string `json:"code" validate:"required,len=3"`
	Digits int32  `json:"digits" validate:"gte=0,lte=6"`
}

// AllocationRuleJSON represents repayment allocation configuration.
type AllocationRuleJSON struct {
	Order                        []string `json:"order" validate:"omitempty,len=4,dive,oneof=principal interest fee penalty"`
	CreditOrder                  []string `json:"credit_order,omitempty" validate:"omitempty,len=4,dive,oneof=principal interest fee penalty"`
	ApplyExcessToNextInstallment bool     `json:"apply_excess_to_next_installment,omitempty"`
	ApplyInChronologicalOrder    bool     `json:"apply_in_chronological_order,omitempty"`
	TreatOverpaymentAsAdvance    bool     `json:"treat_overpayment_as_advance,omitempty"`
}

// ChargeJSON represents a charge definition.
type ChargeJSON struct {
	Name            string `json:"name" validate:"required"`
	Penalty         bool   `json:"penalty,omitempty"`
	TimeType        string `json:"time_type" validate:"required,oneof=specified_due_date installment_fee overdue_installment"`
	CalculationType string `json:"calculation_type" validate:"required"`
	// Amount is the flat amount or the percentage, depending on CalculationType.
	Amount                   string `json:"amount" validate:"required,numeric"`
	ResolvedAmount           string `json:"resolved_amount,omitempty" validate:"omitempty,numeric"`
	DueDate                  string `json:"due_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	OverdueInstallmentNumber int    `json:"overdue_installment_number,omitempty" validate:"gte=0"`
}

// LoanJSON is the JSON representation of a loan application.
type LoanJSON struct {
	ProductID         string            `json:"product_id,omitempty"`
	ExternalID        string            `json:"external_id,omitempty"`
	ApprovedPrincipal string            `json:"approved_principal,omitempty" validate:"omitempty,numeric"`
	SubmittedOn       string            `json:"submitted_on,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Installments      []InstallmentJSON `json:"installments,omitempty" validate:"required_without=Schedule,dive"`
	Schedule          *ScheduleJSON     `json:"schedule,omitempty"`
	Charges           []ChargeJSON      `json:"charges,omitempty" validate:"dive"`
}

// InstallmentJSON is one row of an externally generated schedule.
type InstallmentJSON struct {
	Number                        int    `json:"number" validate:"gte=0"`
	FromDate                      string `json:"from_date" validate:"required,datetime=2006-01-02"`
	DueDate                       string `json:"due_date" validate:"required,datetime=2006-01-02"`
	Principal                     string `json:"principal" validate:"required,numeric"`
	Interest                      string `json:"interest,omitempty" validate:"omitempty,numeric"`
	DownPayment                   bool   `json:"down_payment,omitempty"`
	RecalculatedInterestComponent bool   `json:"recalculated_interest_component,omitempty"`
}

// ScheduleJSON describes a flat schedule of equal periods.
type ScheduleJSON struct {
	StartDate    string `json:"start_date" validate:"required,datetime=2006-01-02"`
	Installments int    `json:"installments" validate:"required,gte=1,lte=600"`
	PeriodMonths int    `json:"period_months,omitempty" validate:"gte=0,lte=12"`
	Principal    string `json:"principal" validate:"required,numeric"`
	Interest     string `json:"interest,omitempty" validate:"omitempty,numeric"`
}

// =============================================================================
// LOAN FACTORY
// =============================================================================

// LoanFactory converts JSON products and loans to Go structs.
type LoanFactory struct {
	validate *validator.Validate
}

// NewLoanFactory creates a new loan factory.
func NewLoanFactory() *LoanFactory {
	return &LoanFactory{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// ParseProduct parses and validates a product JSON string.
func (f *LoanFactory) ParseProduct(jsonStr string) (*ProductJSON, error) {
	var pj ProductJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("failed to parse product JSON: %w", err)
	}
	if err := f.ValidateProduct(&pj); err != nil {
		return nil, err
	}
	return &pj, nil
}

// ValidateProduct checks the struct tags and the cross-field rules.
func (f *LoanFactory) ValidateProduct(pj *ProductJSON) error {
	if err := f.validate.Struct(pj); err != nil {
		return validationError(err)
	}
	if _, err := parseAllocationRule(pj.AllocationRule); err != nil {
		return err
	}
	for _, cj := range pj.Charges {
		if _, err := parseCharge(cj); err != nil {
			return err
		}
	}
	return nil
}

// ParseLoan parses a loan JSON string against an optional product.
func (f *LoanFactory) ParseLoan(jsonStr string, product *ProductJSON) (*loan.Loan, error) {
	var lj LoanJSON
	if err := json.Unmarshal([]byte(jsonStr), &lj); err != nil {
		return nil, fmt.Errorf("failed to parse loan JSON: %w", err)
	}
	return f.FromJSON(lj, product)
}

// FromJSON converts LoanJSON to a loan.Loan in StatusNone, ready for Service.Create.
func (f *LoanFactory) FromJSON(lj LoanJSON, product *ProductJSON) (*loan.Loan, error) {
	if err := f.validate.Struct(&lj); err != nil {
		return nil, validationError(err)
	}
	if product == nil {
		product = &ProductJSON{}
	}

	l := &loan.Loan{
		ExternalID:         lj.ExternalID,
		Currency:           loan.DefaultCurrency,
		ChargeOffBehaviour: loan.ChargeOffRegular,
		MultiDisbursement:  product.MultiDisbursement,
	}
	if product.Currency != nil {
		l.Currency = loan.Currency{Code: product.Currency.Code, Digits: product.Currency.Digits}
	}
	if product.ChargeOffBehaviour != "" {
		l.ChargeOffBehaviour = loan.ChargeOffBehaviour(product.ChargeOffBehaviour)
	}
	rule, err := parseAllocationRule(product.AllocationRule)
	if err != nil {
		return nil, err
	}
	l.AllocationRule = rule

	if lj.SubmittedOn != "" {
		l.SubmittedOn = loan.MustParseDate(lj.SubmittedOn)
	}

	// Schedule
	switch {
	case len(lj.Installments) > 0:
		l.Installments, err = parseInstallments(lj.Installments, l.Currency)
	case lj.Schedule != nil:
		l.Installments, err = flatSchedule(*lj.Schedule, l.Currency)
	}
	if err != nil {
		return nil, err
	}

	approved, err := amount(lj.ApprovedPrincipal)
	if err != nil {
		return nil, err
	}
	l.ApprovedPrincipal = l.Currency.Round(approved)

	// Charges: product defaults first, then loan specific ones.
	for _, cj := range append(append([]ChargeJSON{}, product.Charges...), lj.Charges...) {
		c, err := parseCharge(cj)
		if err != nil {
			return nil, err
		}
		c.Active = true
		l.AddCharge(c)
	}

	return l, nil
}

// ParseCharge validates a single charge definition, e.g. one levied after
// the loan was created.
func (f *LoanFactory) ParseCharge(cj ChargeJSON) (*loan.Charge, error) {
	if err := f.validate.Struct(&cj); err != nil {
		return nil, validationError(err)
	}
	return parseCharge(cj)
}

// ToJSON converts a product's loan back to its schema form. Only the product
// level configuration is emitted.
func (f *LoanFactory) ToJSON(id, name string, l *loan.Loan) ProductJSON {
	pj := ProductJSON{
		ID:                 id,
		Name:               name,
		Currency:           &CurrencyJSON{Code: l.Currency.Code, Digits: l.Currency.Digits},
		ChargeOffBehaviour: string(l.ChargeOffBehaviour),
		MultiDisbursement:  l.MultiDisbursement,
		AllocationRule: &AllocationRuleJSON{
			Order:                        componentNames(l.AllocationRule.Order),
			CreditOrder:                  componentNames(l.AllocationRule.CreditOrder),
			ApplyExcessToNextInstallment: l.AllocationRule.ApplyExcessToNextInstallment,
			ApplyInChronologicalOrder:    l.AllocationRule.ApplyInChronologicalOrder,
			TreatOverpaymentAsAdvance:    l.AllocationRule.TreatOverpaymentAsAdvance,
		},
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseAllocationRule(rj *AllocationRuleJSON) (loan.AllocationRule, error) {
	if rj == nil || len(rj.Order) == 0 {
		rule := loan.DefaultAllocationRule()
		if rj != nil {
			rule.ApplyExcessToNextInstallment = rj.ApplyExcessToNextInstallment
			rule.ApplyInChronologicalOrder = rj.ApplyInChronologicalOrder
			rule.TreatOverpaymentAsAdvance = rj.TreatOverpaymentAsAdvance
		}
		return rule, nil
	}

	order, err := parseComponents(rj.Order)
	if err != nil {
		return loan.AllocationRule{}, err
	}
	credit, err := parseComponents(rj.CreditOrder)
	if err != nil {
		return loan.AllocationRule{}, err
	}
	rule := loan.AllocationRule{
		Order:                        order,
		CreditOrder:                  credit,
		ApplyExcessToNextInstallment: rj.ApplyExcessToNextInstallment,
		ApplyInChronologicalOrder:    rj.ApplyInChronologicalOrder,
		TreatOverpaymentAsAdvance:    rj.TreatOverpaymentAsAdvance,
	}
	if err := rule.Validate(); err != nil {
		return loan.AllocationRule{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return rule, nil
}

func parseComponents(names []string) ([]loan.Component, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]loan.Component, 0, len(names))
	for _, n := range names {
		c, err := loan.ParseComponent(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func componentNames(cs []loan.Component) []string {
	if len(cs) == 0 {
		return nil
	}
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

func parseCharge(cj ChargeJSON) (*loan.Charge, error) {
	value, err := amount(cj.Amount)
	if err != nil {
		return nil, err
	}
	resolved, err := amount(cj.ResolvedAmount)
	if err != nil {
		return nil, err
	}
	c := &loan.Charge{
		Name:                     cj.Name,
		Penalty:                  cj.Penalty,
		TimeType:                 loan.ChargeTimeType(cj.TimeType),
		CalculationType:          loan.ChargeCalculationType(cj.CalculationType),
		AmountOrPercentage:       value,
		Amount:                   resolved,
		OverdueInstallmentNumber: cj.OverdueInstallmentNumber,
	}
	if cj.DueDate != "" {
		c.DueDate = loan.MustParseDate(cj.DueDate)
	}
	if err := loan.ValidateCharge(c); err != nil {
		return nil, fmt.Errorf("%w: charge %q: %v", ErrInvalidDefinition, cj.Name, err)
	}
	return c, nil
}

func parseInstallments(rows []InstallmentJSON, cur loan.Currency) ([]*loan.Installment, error) {
	insts := make([]*loan.Installment, 0, len(rows))
	var prev loan.Date
	for i, row := range rows {
		from := loan.MustParseDate(row.FromDate)
		due := loan.MustParseDate(row.DueDate)
		if due.Before(from) {
			return nil, fmt.Errorf("%w: installment %d is due before it starts", ErrInvalidDefinition, row.Number)
		}
		if i > 0 && due.Before(prev) {
			return nil, fmt.Errorf("%w: installments must be ordered by due date", ErrInvalidDefinition)
		}
		prev = due

		number := row.Number
		if number == 0 {
			number = i + 1
		}
		principal, err := amount(row.Principal)
		if err != nil {
			return nil, err
		}
		interest, err := amount(row.Interest)
		if err != nil {
			return nil, err
		}
		inst := loan.NewInstallment(number, from, due, cur.Round(principal), cur.Round(interest))
		inst.DownPayment = row.DownPayment
		inst.RecalculatedInterestComponent = row.RecalculatedInterestComponent
		insts = append(insts, inst)
	}
	return insts, nil
}

// flatSchedule splits principal and interest evenly; the last installment
// absorbs the rounding remainder.
func flatSchedule(sj ScheduleJSON, cur loan.Currency) ([]*loan.Installment, error) {
	start := loan.MustParseDate(sj.StartDate)
	months := sj.PeriodMonths
	if months == 0 {
		months = 1
	}
	totalPrincipal, err := amount(sj.Principal)
	if err != nil {
		return nil, err
	}
	totalInterest, err := amount(sj.Interest)
	if err != nil {
		return nil, err
	}
	principal := split(totalPrincipal, sj.Installments, cur)
	interest := split(totalInterest, sj.Installments, cur)

	insts := make([]*loan.Installment, 0, sj.Installments)
	from := start
	for i := 0; i < sj.Installments; i++ {
		due := start.AddMonths((i + 1) * months)
		insts = append(insts, loan.NewInstallment(i+1, from, due, principal[i], interest[i]))
		from = due
	}
	return insts, nil
}

func amount(s string) (decimal.Decimal, error) {
	d, err := loan.ParseDecimal(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return d, nil
}

func split(total decimal.Decimal, n int, cur loan.Currency) []decimal.Decimal {
	shares := make([]decimal.Decimal, n)
	each := total.Div(decimal.NewFromInt(int64(n))).Truncate(cur.Digits)
	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		shares[i] = each
		allocated = allocated.Add(each)
	}
	shares[n-1] = total.Sub(allocated)
	return shares
}

// validationError flattens validator output into one wrapped error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}
