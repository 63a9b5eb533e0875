// Package canonical groups ACLs that behave identically even though they were deployed under
// different names on different devices.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// CanonicalAcl is one representative ACL together with every (hostname, ACL name) pair that
// carries the same content.
//
// Two CanonicalAcls are equal when their hashes are. The hash covers the root ACL's lines in
// order, the name and lines of every ACL it references transitively, and the name and
// definition of every named IP space those lines reach, but not the root's name. AddSource is
// not synchronized: use a single writer or guard it externally.
type CanonicalAcl struct {
	RepresentativeAclName  string
	RepresentativeHostname string
	Acl                    *acl.IpAccessList
	Dependencies           map[string]*acl.IpAccessList
	IpSpaces               map[string]model.IpSpace
	Sources                map[string]map[string]bool

	hash string
}

func NewCanonicalAcl(aclName string, a *acl.IpAccessList, dependencies map[string]*acl.IpAccessList, ipSpaces map[string]model.IpSpace, hostname string) *CanonicalAcl {
	c := &CanonicalAcl{
		RepresentativeAclName:  aclName,
		RepresentativeHostname: hostname,
		Acl:                    a,
		Dependencies:           dependencies,
		IpSpaces:               ipSpaces,
		Sources:                make(map[string]map[string]bool),
		hash:                   computeHash(a, dependencies, ipSpaces),
	}
	c.AddSource(hostname, aclName)
	return c
}

func computeHash(a *acl.IpAccessList, dependencies map[string]*acl.IpAccessList, ipSpaces map[string]model.IpSpace) string {
	root := linesHash(a.Lines)

	deps := sha256.New()
	for _, name := range sortedNames(dependencies) {
		lh := linesHash(dependencies[name].Lines)
		fmt.Fprintf(deps, "%s\x00", name)
		deps.Write(lh[:])
	}

	spaces := sha256.New()
	for _, name := range sortedNames(ipSpaces) {
		fmt.Fprintf(spaces, "%s\x00%s\n", name, ipSpaces[name])
	}

	combined := sha256.New()
	combined.Write(root[:])
	combined.Write(deps.Sum(nil))
	combined.Write(spaces.Sum(nil))
	return hex.EncodeToString(combined.Sum(nil))
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func linesHash(lines []acl.AclLine) [sha256.Size]byte {
	h := sha256.New()
	for _, l := range lines {
		fmt.Fprintf(h, "%s\n", l.Key())
	}
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (c *CanonicalAcl) Hash() string { return c.hash }

func (c *CanonicalAcl) Equal(o *CanonicalAcl) bool { return o != nil && c.hash == o.hash }

// AddSource records that aclName on hostname has the same content as c.
func (c *CanonicalAcl) AddSource(hostname, aclName string) {
	names, ok := c.Sources[hostname]
	if !ok {
		names = make(map[string]bool)
		c.Sources[hostname] = names
	}
	names[aclName] = true
}

// SourceList returns "hostname/acl" pairs in sorted order.
func (c *CanonicalAcl) SourceList() []string {
	var out []string
	for host, names := range c.Sources {
		for name := range names {
			out = append(out, host+"/"+name)
		}
	}
	sort.Strings(out)
	return out
}

// Dependencies returns every ACL that a references directly or indirectly.
func Dependencies(a *acl.IpAccessList, acls map[string]*acl.IpAccessList) (map[string]*acl.IpAccessList, error) {
	deps := make(map[string]*acl.IpAccessList)
	resolving := map[string]bool{}
	if a.Name != "" {
		resolving[a.Name] = true
	}
	var visit func(*acl.IpAccessList) error
	visit = func(cur *acl.IpAccessList) error {
		for _, name := range acl.ReferencedAcls(cur) {
			if resolving[name] {
				return fmt.Errorf("acl %q: %w", name, model.ErrCircularReference)
			}
			if _, done := deps[name]; done {
				continue
			}
			next, ok := acls[name]
			if !ok {
				return fmt.Errorf("acl %q: %w", name, model.ErrUndefinedReference)
			}
			resolving[name] = true
			if err := visit(next); err != nil {
				return err
			}
			delete(resolving, name)
			deps[name] = next
		}
		return nil
	}
	if err := visit(a); err != nil {
		return nil, err
	}
	return deps, nil
}

// IpSpaceDependencies returns the named IP spaces reached from the lines of a and of its
// dependencies, following references between named spaces.
func IpSpaceDependencies(a *acl.IpAccessList, dependencies map[string]*acl.IpAccessList, named map[string]model.IpSpace) (map[string]model.IpSpace, error) {
	out := make(map[string]model.IpSpace)
	resolving := map[string]bool{}
	var visit func(string) error
	visit = func(name string) error {
		if resolving[name] {
			return fmt.Errorf("ip space %q: %w", name, model.ErrCircularReference)
		}
		if _, done := out[name]; done {
			return nil
		}
		space, ok := named[name]
		if !ok {
			return fmt.Errorf("ip space %q: %w", name, model.ErrUndefinedReference)
		}
		resolving[name] = true
		refs := map[string]bool{}
		model.CollectReferences(space, refs)
		for _, ref := range sortedNames(refs) {
			if err := visit(ref); err != nil {
				return err
			}
		}
		delete(resolving, name)
		out[name] = space
		return nil
	}

	roots := []*acl.IpAccessList{a}
	for _, name := range sortedNames(dependencies) {
		roots = append(roots, dependencies[name])
	}
	for _, r := range roots {
		for _, name := range acl.ReferencedIpSpaces(r) {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
