package policy

// BuiltinPolicies returns the guardrails that ship with nimbus. They are
// always loaded; file-based policies add to them.
func BuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "instance-size-limit",
			Description: "Blocks oversized EC2 instance families that a conversational request should never provision.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package nimbus.guardrails

import rego.v1

oversized_prefixes := ["p3", "p4", "p5", "x1", "x2", "u-", "metal"]

deny contains result if {
	some node in input.plan.nodes
	node.spec.type == "ec2-instance"
	some prefix in oversized_prefixes
	startswith(node.config.instance_type, prefix)
	result := {
		"node": node.id,
		"message": sprintf("instance type %s is not allowed for conversational provisioning", [node.config.instance_type]),
	}
}
`,
		},
		{
			Name:        "db-size-limit",
			Description: "Blocks oversized RDS instance classes.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package nimbus.guardrails

import rego.v1

oversized_classes := ["db.r5", "db.x1", "db.x2", "db.m5.12xlarge", "db.m5.24xlarge"]

deny contains result if {
	some node in input.plan.nodes
	node.spec.type == "rds-database"
	some prefix in oversized_classes
	startswith(node.config.instance_class, prefix)
	result := {
		"node": node.id,
		"message": sprintf("database class %s is not allowed for conversational provisioning", [node.config.instance_class]),
	}
}
`,
		},
		{
			Name:        "monthly-cost-limit",
			Description: "Blocks plans whose estimated monthly cost exceeds the per-plan budget.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package nimbus.guardrails

import rego.v1

budget := 500

deny contains result if {
	input.total_monthly_cost > budget
	result := {
		"message": sprintf("estimated monthly cost $%.2f exceeds the $%d budget", [input.total_monthly_cost, budget]),
	}
}
`,
		},
		{
			Name:        "database-open-to-world",
			Description: "Warns when a database security group opens its port to every address.",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package nimbus.guardrails

import rego.v1

db_ports := ["3306", "5432"]

deny contains result if {
	some node in input.plan.nodes
	node.spec.type == "security-group"
	some port in db_ports
	contains(node.config.ingress_ports, port)
	result := {
		"node": node.id,
		"message": sprintf("database port %s is open to 0.0.0.0/0; restrict it after provisioning", [port]),
	}
}
`,
		},
	}
}
