package assignment

import "forestline/internal/domain"

// DefaultFieldOperatorRole is the role code of operators who work polygons in the field.
const DefaultFieldOperatorRole = "PO"

type Resolver struct {
	FieldOperatorRole string
}

// EligibleOperators is Resolver{}.Eligible.
func EligibleOperators(candidates []domain.Operator, ws domain.Worksheet) []domain.Operator {
	return Resolver{}.Eligible(candidates, ws)
}

// Eligible filters candidates to field operators and, when the worksheet
// names a service provider, to that provider's corporation. Input order is
// kept. An empty result is never widened.
func (r Resolver) Eligible(candidates []domain.Operator, ws domain.Worksheet) []domain.Operator {
	out := make([]domain.Operator, 0, len(candidates))
	for _, op := range candidates {
		if r.IsEligible(op, ws) {
			out = append(out, op)
		}
	}
	return out
}

func (r Resolver) IsEligible(op domain.Operator, ws domain.Worksheet) bool {
	if op.Role != r.role() {
		return false
	}
	if ws.ServiceProviderID == nil {
		return true
	}
	return op.CorporationID != nil && *op.CorporationID == *ws.ServiceProviderID
}

func (r Resolver) role() string {
	if r.FieldOperatorRole == "" {
		return DefaultFieldOperatorRole
	}
	return r.FieldOperatorRole
}
