/*
resource.go - Known resources: the wallet plus whatever containers are registered

PURPOSE:
  Movements and balances persist only a resource id. Packages that own a
  resource (deposit for containers) register it at init so stores and the
  API can resolve ids back into typed resources. Ids nobody registered load
  as StringResource in the "unknown" domain, so old rows stay readable
  after a container is retired.

SEE ALSO:
  - types.go: ResourceType and UnitFor
  - deposit/types.go: container registration
*/
package generic

import (
	"slices"
	"strings"
	"sync"
)

const (
	// DomainWallet holds the single money resource. Any other domain is
	// counted in whole containers.
	DomainWallet = "wallet"

	domainUnknown = "unknown"
)

// WalletResource is the customer wallet; every owner has at most one.
var WalletResource ResourceType = StringResource{ID: "wallet", Domain: DomainWallet}

var known = &resourceSet{byID: map[string]ResourceType{}}

func init() {
	RegisterResource(WalletResource)
}

type resourceSet struct {
	mu   sync.RWMutex
	byID map[string]ResourceType
}

func (s *resourceSet) put(r ResourceType) {
	s.mu.Lock()
	s.byID[r.ResourceID()] = r
	s.mu.Unlock()
}

func (s *resourceSet) get(id string) (ResourceType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r, ok
}

func (s *resourceSet) inDomain(domain string) []ResourceType {
	s.mu.RLock()
	out := make([]ResourceType, 0, len(s.byID))
	for _, r := range s.byID {
		if r.ResourceDomain() == domain {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b ResourceType) int { return strings.Compare(a.ResourceID(), b.ResourceID()) })
	return out
}

// RegisterResource makes r resolvable by id. Registering an id twice keeps
// the latest value.
func RegisterResource(r ResourceType) { known.put(r) }

// LookupResource returns the registered resource or nil.
func LookupResource(id string) ResourceType {
	r, _ := known.get(id)
	return r
}

// ListResourcesByDomain returns the registered resources of domain ordered
// by id.
func ListResourcesByDomain(domain string) []ResourceType { return known.inDomain(domain) }

// GetOrCreateResource resolves id for the stores. Unregistered ids come back
// as a StringResource in the "unknown" domain.
func GetOrCreateResource(id string) ResourceType {
	if r, ok := known.get(id); ok {
		return r
	}
	return StringResource{ID: id, Domain: domainUnknown}
}

// StringResource is a plain id/domain pair, used for the wallet and for ids
// loaded from storage that nothing registered.
type StringResource struct {
	ID     string
	Domain string
}

func (r StringResource) ResourceID() string     { return r.ID }
func (r StringResource) ResourceDomain() string { return r.Domain }
