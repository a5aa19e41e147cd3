package registry

import "github.com/petal-labs/grimoire/core"

// Standard returns the partial every spell registry starts from: the
// standard value types.
func Standard() Partial {
	return Partial{
		Name:   "standard",
		Values: core.StandardValueTypes(),
	}
}

// StandardProvider contributes Standard.
var StandardProvider Provider = ProviderFunc{ProviderName: "standard", Fn: Standard}
