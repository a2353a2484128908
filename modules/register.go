// Package modules bundles the compiled-in reference packages.
package modules

import (
	"github.com/artpar/pkghost/adapters/loader"
	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/modules/esp"
	"github.com/artpar/pkghost/modules/kms"
	"github.com/artpar/pkghost/modules/neit"
	"github.com/artpar/pkghost/modules/physical"
	"github.com/artpar/pkghost/modules/sep"
)

// Factories maps each built-in package name to its symbol table factory.
func Factories() map[string]loader.Factory {
	return map[string]loader.Factory{
		descriptor.Physical:    physical.Exports,
		descriptor.Extent:      sep.Exports,
		descriptor.Environment: esp.Exports,
		descriptor.Exerciser:   neit.Exports,
		descriptor.KeyManager:  kms.Exports,
	}
}

// Register adds every built-in package to s.
func Register(s *loader.Static) {
	for name, f := range Factories() {
		s.Register(name, f)
	}
}

// NewStatic returns a static loader holding every built-in package.
func NewStatic() *loader.Static {
	s := loader.NewStatic()
	Register(s)
	return s
}
