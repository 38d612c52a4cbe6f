// Package policy evaluates Open Policy Agent (Rego) policies against
// resource intents before they are admitted.
//
// Every policy is a Rego module whose deny set is queried with the intent
// as input:
//
//	{
//	  "intent": {"tenant": "...", "kind": "volume", "name": "...", "parent_id": "...", "spec": {...}},
//	  "context": {"timestamp": "...", "operation": "create"}
//	}
//
// Elements of the deny set are either a message string, which takes the
// policy's default severity, or an object with "message", "severity" and
// optionally "remediation". Error and critical violations reject the intent
// with a POLICY_DENIED validation error. Warnings are logged and the intent
// proceeds.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/cumulus/policies"}); err != nil {
//	    return err
//	}
//	orch.SetPolicy(pe)
//
// Policies can be reloaded on change:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, pe.SetPolicies)
//
// # Built-in Policies
//
//   - resource-naming: names up to 255 characters without surrounding
//     whitespace or control characters
//   - volume-size: at most 16 TiB; sizes that are not whole GiB warn
//   - security-group-exposure: the full tcp or udp range open to 0.0.0.0/0
//     is rejected, other world-open tcp ports except 22, 80 and 443 warn
//   - instance-user-data: at most 65535 bytes
//
// # Policy Files
//
// .rego files are loaded with their file name as policy name and error
// severity. .json files carry a full Policy document.
package policy
