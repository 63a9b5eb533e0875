package parser

import (
	"fmt"
	"sort"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/canonical"
	"acl-analyzer/internal/engine"
	"acl-analyzer/internal/model"
)

// Ruleset is the compiled configuration of one device: its ACLs and the named IP spaces they
// reference.
type Ruleset struct {
	Hostname string
	Acls     map[string]*acl.IpAccessList
	IpSpaces map[string]model.IpSpace
}

func (r *Ruleset) Env() engine.Env {
	return engine.Env{Acls: r.Acls, IpSpaces: r.IpSpaces}
}

// AclNames returns the ACL names in sorted order.
func (r *Ruleset) AclNames() []string {
	names := make([]string, 0, len(r.Acls))
	for name := range r.Acls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Acl looks up an ACL by name. An empty name selects the only ACL of the ruleset.
func (r *Ruleset) Acl(name string) (*acl.IpAccessList, error) {
	if name == "" {
		if len(r.Acls) != 1 {
			return nil, fmt.Errorf("ruleset defines %d acls, one must be named", len(r.Acls))
		}
		for _, a := range r.Acls {
			return a, nil
		}
	}
	a, ok := r.Acls[name]
	if !ok {
		return nil, fmt.Errorf("acl %q: %w", name, model.ErrUndefinedReference)
	}
	return a, nil
}

// Validate resolves every ACL and IP space reference once, so that evaluation cannot fail on a
// dangling or circular name later.
func (r *Ruleset) Validate() error {
	for _, name := range r.AclNames() {
		a := r.Acls[name]
		if _, err := canonical.Dependencies(a, r.Acls); err != nil {
			return fmt.Errorf("acl %q: %w", name, err)
		}
		for _, space := range acl.ReferencedIpSpaces(a) {
			if _, err := model.ToIPSet(model.IpSpaceReference{Name: space}, r.IpSpaces); err != nil {
				return fmt.Errorf("acl %q: %w", name, err)
			}
		}
	}
	return nil
}
