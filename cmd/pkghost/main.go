// Package main is the entry point for pkghost.
package main

func main() {
	Execute()
}
