//go:build (ORT || ALL) && linux

package main

// onnxRuntimeSharedLibraryDir is the default ONNX Runtime library folder for Linux.
const onnxRuntimeSharedLibraryDir = "/usr/lib"
