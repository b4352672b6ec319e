// Package deposit implements returnable-container deposits on top of the
// generic ledger: crates, kegs and bottles handed to customers and either
// returned or charged.
package deposit

import (
	"fmt"

	"github.com/warp/ledger-engine/generic"
)

// Domain is the resource domain of every container.
const Domain = "deposit"

// =============================================================================
// CONTAINER RESOURCE TYPE
// =============================================================================

// Container is the concrete resource type for the deposit domain.
// Implements generic.ResourceType interface.
type Container string

func (c Container) ResourceID() string     { return string(c) }
func (c Container) ResourceDomain() string { return Domain }

// Compile-time check that Container implements generic.ResourceType
var _ generic.ResourceType = Container("")

// Built-in container types
const (
	ContainerCrate  Container = "crate"
	ContainerKeg    Container = "keg"
	ContainerBottle Container = "bottle"
	ContainerPallet Container = "pallet"
)

func init() {
	RegisterContainer(ContainerCrate)
	RegisterContainer(ContainerKeg)
	RegisterContainer(ContainerBottle)
	RegisterContainer(ContainerPallet)
}

// RegisterContainer makes a container type known to the stores and the API.
func RegisterContainer(c Container) {
	generic.RegisterResource(c)
}

// ParseContainer resolves a registered container id.
func ParseContainer(id string) (generic.ResourceType, error) {
	r := generic.LookupResource(id)
	if r == nil || r.ResourceDomain() != Domain {
		return nil, &generic.ValidationError{Field: "container", Reason: fmt.Sprintf("unknown container %q", id)}
	}
	return r, nil
}

// Containers lists every registered container type.
func Containers() []generic.ResourceType {
	return generic.ListResourcesByDomain(Domain)
}
