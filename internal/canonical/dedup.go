package canonical

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"

	"acl-analyzer/internal/acl"
	"acl-analyzer/internal/model"
)

// Deduplicator collects ACLs from many devices and groups those with equal canonical hashes.
// It is safe for concurrent use. ACLs are treated as immutable once added.
type Deduplicator struct {
	mu       sync.Mutex
	groups   map[string]*CanonicalAcl
	closures *arc.ARCCache[*acl.IpAccessList, map[string]*acl.IpAccessList]
}

// NewDeduplicator memoizes up to cacheSize dependency closures.
func NewDeduplicator(cacheSize int) (*Deduplicator, error) {
	cache, err := arc.NewARC[*acl.IpAccessList, map[string]*acl.IpAccessList](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating closure cache: %w", err)
	}
	return &Deduplicator{
		groups:   make(map[string]*CanonicalAcl),
		closures: cache,
	}, nil
}

// AddDevice adds every ACL of one device, in name order. ipSpaces holds the device's named IP
// spaces.
func (d *Deduplicator) AddDevice(hostname string, acls map[string]*acl.IpAccessList, ipSpaces map[string]model.IpSpace) error {
	names := make([]string, 0, len(acls))
	for name := range acls {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := d.Add(hostname, name, acls, ipSpaces); err != nil {
			return err
		}
	}
	return nil
}

// Add registers acls[aclName] from hostname and returns the group it joined.
func (d *Deduplicator) Add(hostname, aclName string, acls map[string]*acl.IpAccessList, ipSpaces map[string]model.IpSpace) (*CanonicalAcl, error) {
	a, ok := acls[aclName]
	if !ok {
		return nil, fmt.Errorf("acl %q not defined on %s", aclName, hostname)
	}
	deps, err := d.dependencies(a, acls)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hostname, err)
	}
	spaces, err := IpSpaceDependencies(a, deps, ipSpaces)
	if err != nil {
		return nil, fmt.Errorf("%s: acl %q: %w", hostname, aclName, err)
	}
	candidate := NewCanonicalAcl(aclName, a, deps, spaces, hostname)

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.groups[candidate.Hash()]; ok {
		existing.AddSource(hostname, aclName)
		return existing, nil
	}
	d.groups[candidate.Hash()] = candidate
	return candidate, nil
}

// dependencies memoizes closures by root ACL. A cached closure is only reused while every ACL
// in it is still the one acls holds under that name.
func (d *Deduplicator) dependencies(a *acl.IpAccessList, acls map[string]*acl.IpAccessList) (map[string]*acl.IpAccessList, error) {
	if deps, ok := d.closures.Get(a); ok && sameAcls(deps, acls) {
		return deps, nil
	}
	deps, err := Dependencies(a, acls)
	if err != nil {
		return nil, err
	}
	d.closures.Add(a, deps)
	return deps, nil
}

func sameAcls(deps, acls map[string]*acl.IpAccessList) bool {
	for name, dep := range deps {
		if acls[name] != dep {
			return false
		}
	}
	return true
}

// Groups returns the canonical ACLs ordered by representative hostname and name.
func (d *Deduplicator) Groups() []*CanonicalAcl {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*CanonicalAcl, 0, len(d.groups))
	for _, g := range d.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RepresentativeHostname != out[j].RepresentativeHostname {
			return out[i].RepresentativeHostname < out[j].RepresentativeHostname
		}
		return out[i].RepresentativeAclName < out[j].RepresentativeAclName
	})
	return out
}
