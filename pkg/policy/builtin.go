package policy

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		deleteNeedsRollbackPolicy(),
		operationNamingPolicy(),
		secretDefaultPolicy(),
	}
}

// deleteNeedsRollbackPolicy blocks delete-mode operations that declare no
// rollback command.
func deleteNeedsRollbackPolicy() Policy {
	return Policy{
		Name:     "delete-needs-rollback",
		Severity: SeverityError,
		Rego: `package fleetwright.policies.rollback

import rego.v1

deny contains violation if {
	input.operation.mode == "delete"
	not input.operation.rollback.enabled
	violation := {
		"message": sprintf("delete operation %s must declare a rollback", [input.operation.id]),
		"severity": "error",
	}
}
`,
	}
}

// operationNamingPolicy warns about operation ids outside the fleet naming
// convention.
func operationNamingPolicy() Policy {
	return Policy{
		Name:     "operation-naming",
		Severity: SeverityWarning,
		Rego: `package fleetwright.policies.naming

import rego.v1

deny contains violation if {
	not regex.match("^[a-z0-9][a-z0-9-]*$", input.operation.id)
	violation := {
		"message": sprintf("operation id %s should be lowercase alphanumeric with hyphens", [input.operation.id]),
		"severity": "warning",
	}
}
`,
	}
}

// secretDefaultPolicy blocks secret parameters that carry a default value
// in the document.
func secretDefaultPolicy() Policy {
	return Policy{
		Name:     "no-secret-defaults",
		Severity: SeverityError,
		Rego: `package fleetwright.policies.secrets

import rego.v1

deny contains violation if {
	some param in input.operation.params
	param.type == "secret"
	param.default != null
	violation := {
		"message": sprintf("secret parameter %s must not declare a default", [param.name]),
		"severity": "error",
	}
}
`,
	}
}
