package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE schemas configuration documents are
// unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("config", builtinConfigSchema); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context schemas are compiled in. Values unified
// with a schema must come from the same context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// RegisterSchema compiles schema and registers the definition of the same
// name, e.g. "config" registers #Config.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath("#" + capitalize(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define #%s", name, capitalize(name))
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and validates the result.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

const builtinConfigSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Kind: "instance" | "volume" | "snapshot" | "backup" | "security_group"

#Config: {
	store?: {
		path?: string & !=""
	}

	engine?: {
		max_parallel?:             int & >=1
		queue_size?:               int & >=1
		poll_interval?:            #Duration
		operation_timeout?:        #Duration
		reconcile_interval?:       #Duration
		reference_retry_interval?: #Duration
		gateway_retry_attempts?:   int & >=1
		gateway_retry_delay?:      #Duration
		stuck_after?:              #Duration
		sweep_interval?:           #Duration
	}

	quota?: {
		max_concurrent_provision?: {
			[=~"^(instance|volume|snapshot|backup|security_group)$"]: int & >=0
		}
		ratios?: [...{
			dependent:  #Kind
			parent:     #Kind
			per_parent: int & >=0
		}]
	}

	gateway?: {
		driver?:     "simulator" | "openstack"
		rate_limit?: number & >=0
		burst?:      int & >=0
		simulator?: {
			polls_to_complete?: int & >=0
		}
		openstack?: {
			auth_url:    string & =~"^https?://"
			username:    string & !=""
			password:    string & !=""
			tenant_name: string & !=""
			region:      string & !=""
			auth_mode?:  "userpass" | "keypair" | "legacy"
			insecure?:   bool
		}
	}

	policy?: {
		enabled?: bool
		paths?: [...string]
		watch?: bool
	}

	backup?: {
		scheduler_interval?: #Duration
	}

	api?: {
		listen_address?:   string & !=""
		mode?:             "debug" | "release" | "test"
		shutdown_timeout?: #Duration
	}

	telemetry?: {...}
}
`
