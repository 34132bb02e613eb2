//go:build windows

package devicefs

const moduleExt = ".dll"
