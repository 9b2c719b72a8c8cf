package execution

// Scope is the tenant context under which capability calls resolve data.
// The zero value is the global scope.
type Scope struct {
	// OrganizationID is the tenant organization. Empty means global.
	OrganizationID string
}

// GlobalScope is the scope with no organization binding.
var GlobalScope = Scope{}

// IsGlobal returns true if the scope has no organization binding.
func (s Scope) IsGlobal() bool {
	return s.OrganizationID == ""
}

// String returns a human-readable scope label.
func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return s.OrganizationID
}

// EffectiveScope computes the tenant scope an execution runs under:
// an org-scoped workflow uses the workflow's organization; a global
// workflow uses the caller's organization; when both are absent the
// execution runs in the global scope. An explicit scope override on an
// individual capability call wins over this rule.
func EffectiveScope(workflowOrgID, callerOrgID string) Scope {
	if workflowOrgID != "" {
		return Scope{OrganizationID: workflowOrgID}
	}
	if callerOrgID != "" {
		return Scope{OrganizationID: callerOrgID}
	}
	return GlobalScope
}
