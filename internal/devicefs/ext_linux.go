//go:build linux

package devicefs

const moduleExt = ".so"
