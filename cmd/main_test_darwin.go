//go:build (ORT || ALL) && darwin

package main

// onnxRuntimeSharedLibraryDir is the default ONNX Runtime library folder for macOS.
const onnxRuntimeSharedLibraryDir = "/opt/homebrew/lib"
