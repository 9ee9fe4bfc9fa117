//go:build debug

package logging

const debugBuild = true
