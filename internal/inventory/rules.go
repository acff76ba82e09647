package inventory

// presence says whether a movement field must, may or must not be set.
type presence int

const (
	forbidden presence = iota
	optional
	required
)

type movementRule struct {
	source     presence
	sourceKind LocationKind // empty means any kind
	target     presence
	targetKind LocationKind
	supplier   presence
	distinct   bool
}

// ruleFor returns the required-field rule for t. Every MovementType must
// have a case here.
func ruleFor(t MovementType) (movementRule, bool) {
	switch t {
	case MovementProcurement:
		return movementRule{source: forbidden, target: required, targetKind: LocationWarehouse, supplier: required}, true
	case MovementIssue:
		return movementRule{source: optional, sourceKind: LocationWarehouse, target: required, targetKind: LocationProject, supplier: forbidden}, true
	case MovementReturn:
		return movementRule{source: required, sourceKind: LocationProject, target: required, targetKind: LocationWarehouse, supplier: forbidden}, true
	case MovementTransfer:
		return movementRule{source: required, target: required, supplier: forbidden, distinct: true}, true
	}
	return movementRule{}, false
}

// checkFields enforces the per-type table. Receiver is optional everywhere.
func checkFields(req MovementRequest) error {
	rule, ok := ruleFor(req.Type)
	if !ok {
		return invalidf("unknown movement type %q", req.Type)
	}
	if err := checkLocation("source", req.Type, req.Source, rule.source, rule.sourceKind); err != nil {
		return err
	}
	if err := checkLocation("target", req.Type, req.Target, rule.target, rule.targetKind); err != nil {
		return err
	}
	switch {
	case rule.supplier == required && req.SupplierID == nil:
		return invalidf("%s requires a supplier", req.Type)
	case rule.supplier == forbidden && req.SupplierID != nil:
		return invalidf("%s does not accept a supplier", req.Type)
	}
	if rule.distinct && *req.Source == *req.Target {
		return invalidf("%s source and target must differ", req.Type)
	}
	return nil
}

func checkLocation(field string, t MovementType, loc *Location, p presence, kind LocationKind) error {
	if loc == nil {
		if p == required {
			return invalidf("%s requires a %s location", t, field)
		}
		return nil
	}
	if p == forbidden {
		return invalidf("%s does not accept a %s location", t, field)
	}
	if !loc.Valid() {
		return invalidf("%s location %s is malformed", field, loc)
	}
	if kind != "" && loc.Kind != kind {
		return invalidf("%s %s must be a %s, got %s", t, field, kind, loc.Kind)
	}
	return nil
}
