// Package secgroup models security group rules and validates them locally,
// before any remote call is attempted.
package secgroup

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/EvilSuperstars/go-cidrman"
)

// Protocol is the IP protocol a rule matches.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// AnyICMP matches every ICMP type or code.
const AnyICMP = -1

// Rule is a single ingress rule. Ports are populated for tcp and udp,
// ICMPType and ICMPCode for icmp; the other pair stays nil.
type Rule struct {
	Protocol Protocol `json:"protocol"`
	CIDR     string   `json:"cidr"`
	FromPort *int     `json:"from_port,omitempty"`
	ToPort   *int     `json:"to_port,omitempty"`
	ICMPType *int     `json:"icmp_type,omitempty"`
	ICMPCode *int     `json:"icmp_code,omitempty"`
}

// PortRule builds a tcp or udp rule.
func PortRule(proto Protocol, from, to int, cidr string) Rule {
	return Rule{Protocol: proto, CIDR: cidr, FromPort: &from, ToPort: &to}
}

// ICMPRule builds an icmp rule.
func ICMPRule(icmpType, icmpCode int, cidr string) Rule {
	return Rule{Protocol: ProtocolICMP, CIDR: cidr, ICMPType: &icmpType, ICMPCode: &icmpCode}
}

// ErrInvalidRule is wrapped by every validation failure.
var ErrInvalidRule = errors.New("invalid security group rule")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// Validate checks a rule without contacting the cloud.
func Validate(rule Rule) error {
	switch rule.Protocol {
	case ProtocolTCP, ProtocolUDP:
		if rule.ICMPType != nil || rule.ICMPCode != nil {
			return invalid("icmp type and code are not allowed for %s", rule.Protocol)
		}
		if rule.FromPort == nil || rule.ToPort == nil {
			return invalid("from_port and to_port are required for %s", rule.Protocol)
		}
		from, to := *rule.FromPort, *rule.ToPort
		if from < 1 || from > 65535 {
			return invalid("from_port: expected value in range [1, 65535], found %d", from)
		}
		if to < 1 || to > 65535 {
			return invalid("to_port: expected value in range [1, 65535], found %d", to)
		}
		if from > to {
			return invalid("from_port %d should be less or equal to to_port %d", from, to)
		}
	case ProtocolICMP:
		if rule.FromPort != nil || rule.ToPort != nil {
			return invalid("ports are not allowed for icmp")
		}
		if rule.ICMPType != nil && (*rule.ICMPType < AnyICMP || *rule.ICMPType > 255) {
			return invalid("icmp_type: expected value in range [-1, 255], found %d", *rule.ICMPType)
		}
		if rule.ICMPCode != nil && (*rule.ICMPCode < AnyICMP || *rule.ICMPCode > 255) {
			return invalid("icmp_code: expected value in range [-1, 255], found %d", *rule.ICMPCode)
		}
	default:
		return invalid("protocol: expected one of (tcp, udp, icmp), found %q", rule.Protocol)
	}

	// Host bits are allowed; neutron masks them.
	prefix, err := netip.ParsePrefix(rule.CIDR)
	if err != nil {
		return invalid("cidr %q is not a valid network", rule.CIDR)
	}
	if !prefix.Addr().Is4() {
		return invalid("cidr %q is not an IPv4 network", rule.CIDR)
	}
	return nil
}

// ValidateAll validates every rule and reports each failure with its index.
func ValidateAll(rules []Rule) error {
	var errs []error
	for i, rule := range rules {
		if err := Validate(rule); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// DefaultGroupName is the name of the group every tenant gets on setup.
const DefaultGroupName = "ssh"

// DefaultGroup returns the rules of the default "ssh" group: tcp 22 and
// any icmp from everywhere.
func DefaultGroup() (name, description string, rules []Rule) {
	return DefaultGroupName, "Security group for secure shell access and ping",
		[]Rule{
			PortRule(ProtocolTCP, 22, 22, "0.0.0.0/0"),
			ICMPRule(AnyICMP, AnyICMP, "0.0.0.0/0"),
		}
}

// Key identifies what a rule matches apart from its source network.
func (r Rule) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", r.Protocol,
		intString(r.FromPort), intString(r.ToPort), intString(r.ICMPType), intString(r.ICMPCode))
}

// String renders the rule in a compact, human-readable form.
func (r Rule) String() string {
	switch r.Protocol {
	case ProtocolICMP:
		return fmt.Sprintf("icmp %s/%s from %s", intString(r.ICMPType), intString(r.ICMPCode), r.CIDR)
	default:
		return fmt.Sprintf("%s %s-%s from %s", r.Protocol, intString(r.FromPort), intString(r.ToPort), r.CIDR)
	}
}

func intString(v *int) string {
	if v == nil {
		return "*"
	}
	return fmt.Sprint(*v)
}

// Merge collapses rules that match the same traffic and whose source
// networks overlap or are adjacent. Rules must be valid. Output order is
// deterministic.
func Merge(rules []Rule) ([]Rule, error) {
	groups := make(map[string][]Rule)
	var keys []string
	for _, rule := range rules {
		k := rule.Key()
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], rule)
	}
	sort.Strings(keys)

	merged := make([]Rule, 0, len(rules))
	for _, k := range keys {
		group := groups[k]
		cidrs := make([]string, 0, len(group))
		for _, rule := range group {
			cidrs = append(cidrs, rule.CIDR)
		}
		collapsed, err := cidrman.MergeCIDRs(cidrs)
		if err != nil {
			return nil, fmt.Errorf("merging %s: %w", strings.Join(cidrs, ","), err)
		}
		for _, cidr := range collapsed {
			rule := group[0]
			rule.CIDR = cidr
			merged = append(merged, rule)
		}
	}
	return merged, nil
}

// AllowsIngressFromAnywhere reports whether the rule opens traffic to the whole internet.
func (r Rule) AllowsIngressFromAnywhere() bool {
	return r.CIDR == "0.0.0.0/0"
}
