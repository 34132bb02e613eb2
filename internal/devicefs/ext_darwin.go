//go:build darwin

package devicefs

const moduleExt = ".dylib"
