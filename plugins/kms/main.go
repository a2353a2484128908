// Command kms builds the key management service as a Go plugin.
package main

import (
	"context"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/modules/kms"
)

var pkg = kms.New()

func Init(ctx context.Context, params []byte) error { return pkg.Init(ctx, params) }
func Destroy(ctx context.Context) error { return pkg.Destroy(ctx) }
func GetControlEntry() (entry.Control, error) { return pkg.ControlEntry() }

func SetSepControlEntry(c entry.Control) error { return pkg.SetSepControl(c) }
func SetEspControlEntry(c entry.Control) error { return pkg.SetEspControl(c) }

func main() {}
