// Command sep builds the storage extent package as a Go plugin.
package main

import (
	"context"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/modules/sep"
)

var pkg = sep.New()

func Init(ctx context.Context, params []byte) error { return pkg.Init(ctx, params) }
func Destroy(ctx context.Context) error { return pkg.Destroy(ctx) }
func GetControlEntry() (entry.Control, error) { return pkg.ControlEntry() }
func GetIOEntry() (entry.IO, error) { return pkg.IOEntry() }

func SetPhysicalControlEntry(c entry.Control) error { return pkg.SetPhysicalControl(c) }
func SetPhysicalIOEntry(io entry.IO) error { return pkg.SetPhysicalIO(io) }

func main() {}
