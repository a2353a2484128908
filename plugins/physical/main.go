// Command physical builds the physical package as a Go plugin:
//
//	go build -buildmode=plugin -o physical.so ./plugins/physical
package main

import (
	"context"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/modules/physical"
)

var pkg = physical.New()

func Init(ctx context.Context, params []byte) error { return pkg.Init(ctx, params) }
func Destroy(ctx context.Context) error { return pkg.Destroy(ctx) }
func GetControlEntry() (entry.Control, error) { return pkg.ControlEntry() }
func GetIOEntry() (entry.IO, error) { return pkg.IOEntry() }

func main() {}
