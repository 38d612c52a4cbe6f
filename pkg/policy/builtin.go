package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		volumeSizePolicy(),
		securityGroupExposurePolicy(),
		instanceUserDataPolicy(),
	}
}

// resourceNamingPolicy rejects names the remote service would refuse or
// silently trim.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names must not exceed 255 characters or carry surrounding whitespace",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cumulus.policies.naming

import rego.v1

named_kinds := {"instance", "volume", "snapshot", "security_group"}

deny contains violation if {
	input.intent.kind in named_kinds
	count(input.intent.name) > 255
	violation := {
		"message": sprintf("%s name must not exceed 255 characters", [input.intent.kind]),
		"severity": "error",
	}
}

deny contains violation if {
	input.intent.kind in named_kinds
	regex.match("^\\s|\\s$", input.intent.name)
	violation := {
		"message": sprintf("%s name '%s' must not start or end with whitespace", [input.intent.kind, input.intent.name]),
		"severity": "error",
		"remediation": "trim the name",
	}
}

deny contains violation if {
	input.intent.kind in named_kinds
	regex.match("[\\x00-\\x1f]", input.intent.name)
	violation := {
		"message": sprintf("%s name must not contain control characters", [input.intent.kind]),
		"severity": "error",
	}
}
`,
	}
}

// volumeSizePolicy bounds volume sizes.
func volumeSizePolicy() Policy {
	return Policy{
		Name:        "volume-size",
		Description: "Volumes must not exceed 16 TiB and should be sized in whole GiB",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"capacity", "volumes"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cumulus.policies.volumes

import rego.v1

max_size_mib := 16777216

deny contains violation if {
	input.intent.kind == "volume"
	size := input.intent.spec.size_mib
	size > max_size_mib
	violation := {
		"message": sprintf("volume size %d MiB exceeds the maximum of %d MiB", [size, max_size_mib]),
		"severity": "error",
	}
}

deny contains violation if {
	input.intent.kind == "volume"
	size := input.intent.spec.size_mib
	size <= max_size_mib
	size % 1024 != 0
	violation := {
		"message": sprintf("volume size %d MiB is rounded up to whole GiB by the backend", [size]),
		"severity": "warning",
		"remediation": "request a multiple of 1024 MiB",
	}
}
`,
	}
}

// securityGroupExposurePolicy rejects groups that open every port to the
// internet and warns about other world-open ports.
func securityGroupExposurePolicy() Policy {
	return Policy{
		Name:        "security-group-exposure",
		Description: "Security groups must not open the whole port range to 0.0.0.0/0",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "network"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cumulus.policies.exposure

import rego.v1

public_ports := {22, 80, 443}

world_open(rule) if rule.cidr == "0.0.0.0/0"

full_range(rule) if {
	rule.from_port == 1
	rule.to_port == 65535
}

deny contains violation if {
	input.intent.kind == "security_group"
	some rule in input.intent.spec.rules
	rule.protocol in {"tcp", "udp"}
	world_open(rule)
	full_range(rule)
	violation := {
		"message": sprintf("security group '%s' opens every %s port to 0.0.0.0/0", [input.intent.name, rule.protocol]),
		"severity": "error",
		"remediation": "restrict the port range or the source cidr",
	}
}

deny contains violation if {
	input.intent.kind == "security_group"
	some rule in input.intent.spec.rules
	rule.protocol == "tcp"
	world_open(rule)
	not full_range(rule)
	not public_single_port(rule)
	violation := {
		"message": sprintf("security group '%s' exposes tcp %d-%d to 0.0.0.0/0", [input.intent.name, rule.from_port, rule.to_port]),
		"severity": "warning",
	}
}

public_single_port(rule) if {
	rule.from_port == rule.to_port
	rule.from_port in public_ports
}
`,
	}
}

// instanceUserDataPolicy bounds the user data passed to the metadata
// service.
func instanceUserDataPolicy() Policy {
	return Policy{
		Name:        "instance-user-data",
		Description: "Instance user data must not exceed 65535 bytes",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"instances"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package cumulus.policies.instances

import rego.v1

max_user_data := 65535

deny contains violation if {
	input.intent.kind == "instance"
	size := count(input.intent.spec.user_data)
	size > max_user_data
	violation := {
		"message": sprintf("instance user data is %d bytes, the limit is %d", [size, max_user_data]),
		"severity": "error",
	}
}
`,
	}
}
