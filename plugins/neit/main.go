// Command neit builds the I/O exerciser as a Go plugin.
package main

import (
	"context"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/modules/neit"
)

var pkg = neit.New()

func Init(ctx context.Context, params []byte) error { return pkg.Init(ctx, params) }
func Destroy(ctx context.Context) error { return pkg.Destroy(ctx) }
func GetControlEntry() (entry.Control, error) { return pkg.ControlEntry() }

func SetPhysicalControlEntry(c entry.Control) error { return pkg.SetPhysicalControl(c) }
func SetPhysicalIOEntry(io entry.IO) error { return pkg.SetPhysicalIO(io) }
func SetSepControlEntry(c entry.Control) error { return pkg.SetSepControl(c) }
func SetSepIOEntry(io entry.IO) error { return pkg.SetSepIO(io) }

func main() {}
