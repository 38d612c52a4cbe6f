// Package config loads the cumulus service configuration.
//
// A configuration document is YAML or CUE. Both are checked against the
// built-in #Config CUE schema, decoded on top of Default() and validated
// with go-playground/validator struct tags. Durations are written as Go
// duration strings ("2s", "30m").
//
//	store:
//	  path: /var/lib/cumulus/cumulus.db
//	engine:
//	  max_parallel: 10
//	  poll_interval: 2s
//	quota:
//	  max_concurrent_provision:
//	    instance: 4
//	    volume: 4
//	    snapshot: 4
//	  ratios:
//	    - {dependent: volume, parent: instance, per_parent: 4}
//	gateway:
//	  driver: openstack
//	  rate_limit: 5
//	  openstack:
//	    auth_url: https://keystone.example.com/v3
//	    username: cumulus
//	    password: secret
//	    tenant_name: platform
//	    region: RegionOne
//
// Keys of quota.max_concurrent_provision are merged with the defaults; set
// a kind to 0 to lift its ceiling.
//
// Watcher reloads the file on change; the service uses it to swap the quota
// policy without a restart.
package config
