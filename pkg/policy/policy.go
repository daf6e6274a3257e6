// Package policy evaluates access decisions over request attributes.
// Evaluation is a pure function of the input tuple; the rule chain is an
// ordered table and the first matching rule wins.
package policy

import "strings"

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

type Effect string

const (
	EffectAllow  Effect = "allow"
	EffectDeny   Effect = "deny"
	EffectStepUp Effect = "step_up"
)

// Sensitivity tags carried by resources. PII is the high-privacy tag that
// triggers the step-up obligation under elevated risk.
const (
	SensitivityFinancial = "FINANCIAL"
	SensitivityPII       = "PII"
)

type SubjectAttrs struct {
	ID        string
	Roles     []string
	Agency    string
	Assurance string
}

type ResourceAttrs struct {
	Type        string
	ID          string
	OwnerAgency string
	Sensitivity string
}

type EnvAttrs struct {
	DeviceTrust int
	Risk        int
}

// Input is the immutable decision tuple assembled once per request.
type Input struct {
	Subject  SubjectAttrs
	Resource ResourceAttrs
	Action   Action
	Env      EnvAttrs
}

type Decision struct {
	Effect      Effect
	Reason      string
	Obligations []string
}

var adminRoles = map[string]struct{}{
	"admin":           {},
	"superadmin":      {},
	"bo_admin":        {},
	"bo_superadmin":   {},
	"role_admin":      {},
	"role_superadmin": {},
}

var directorRoles = map[string]struct{}{
	"directeur_agence":     {},
	"agency_director":      {},
	"role_agency_director": {},
}

func hasRole(roles []string, set map[string]struct{}) bool {
	for _, r := range roles {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; ok {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the roles include an administrator-class role.
func IsAdmin(roles []string) bool { return hasRole(roles, adminRoles) }

// IsAgencyDirector reports whether the roles include a director-class role.
func IsAgencyDirector(roles []string) bool { return hasRole(roles, directorRoles) }

// rule is one predicate in the ordered chain. A nil result means the rule
// does not apply and evaluation moves to the next entry.
type rule struct {
	name  string
	apply func(Input) *Decision
}

var rules = []rule{
	{name: "agency_scoping", apply: agencyScoping},
	{name: "device_trust_gate", apply: deviceTrustGate},
	{name: "step_up_requirement", apply: stepUpRequirement},
	{name: "risk_gate", apply: riskGate},
}

// Evaluate runs the rule chain in order and returns the first matching
// outcome, or allow when nothing fires.
func Evaluate(in Input) Decision {
	for _, r := range rules {
		if d := r.apply(in); d != nil {
			return *d
		}
	}
	return Decision{Effect: EffectAllow}
}

func deny(reason string) *Decision {
	return &Decision{Effect: EffectDeny, Reason: reason}
}

// agencyScoping restricts non-administrators to wallets inside their own
// agency. Administrators bypass every sub-check.
func agencyScoping(in Input) *Decision {
	if in.Resource.OwnerAgency == "" || IsAdmin(in.Subject.Roles) {
		return nil
	}
	if in.Subject.Agency == "" {
		return deny("agency_missing")
	}
	if IsAgencyDirector(in.Subject.Roles) && in.Subject.Agency != in.Resource.OwnerAgency {
		return deny("agency_scope_mismatch")
	}
	if in.Action == ActionWrite && in.Subject.Agency != in.Resource.OwnerAgency {
		return deny("write_outside_agency")
	}
	return nil
}

func deviceTrustGate(in Input) *Decision {
	if in.Env.DeviceTrust <= 1 && in.Action == ActionWrite {
		return deny("device_trust_low")
	}
	return nil
}

// stepUpRequirement demands a fresh MFA ceremony instead of denying when
// risk sits at exactly 2 against high-privacy data. Administrators are not
// exempted here.
func stepUpRequirement(in Input) *Decision {
	if in.Env.Risk == 2 && in.Resource.Sensitivity == SensitivityPII {
		return &Decision{Effect: EffectStepUp, Reason: "step_up_required", Obligations: []string{"mfa"}}
	}
	return nil
}

func riskGate(in Input) *Decision {
	if in.Env.Risk >= 3 && in.Action == ActionWrite {
		return deny("risk_high")
	}
	return nil
}
