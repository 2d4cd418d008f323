// Copyright 2025 The GoGPU Authors
// SPDX-License-Identifier: MIT

// Package vkdriver binds driver.Device to a real Vulkan implementation
// using goffi, the same pure-Go FFI mechanism the teacher's vk package
// uses. Unlike that package, which generates bindings for the whole
// Vulkan API surface, vkdriver only loads the handful of entry points
// vma's driver.Device contract needs.
//
// # goffi calling convention
//
// goffi's args[] holds pointers to WHERE each argument's value is
// stored, never the value itself — including for arguments that are
// themselves pointers, which need a pointer-to-pointer.
package vkdriver

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-webgpu/goffi/ffi"
	"github.com/go-webgpu/goffi/types"
)

var (
	vulkanLib             unsafe.Pointer
	vkGetInstanceProcAddr unsafe.Pointer
	cifGetInstanceProcAddr types.CallInterface
	cifGetDeviceProcAddr   types.CallInterface

	loadOnce sync.Once
	loadErr  error
)

func vulkanLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "vulkan-1.dll"
	case "darwin":
		return "libvulkan.dylib"
	default:
		return "libvulkan.so.1"
	}
}

// loadLibrary loads libvulkan and resolves vkGetInstanceProcAddr, the one
// symbol every other entry point is resolved through.
func loadLibrary() error {
	loadOnce.Do(func() {
		var err error
		vulkanLib, err = ffi.LoadLibrary(vulkanLibraryName())
		if err != nil {
			loadErr = fmt.Errorf("vkdriver: load %s: %w", vulkanLibraryName(), err)
			return
		}

		vkGetInstanceProcAddr, err = ffi.GetSymbol(vulkanLib, "vkGetInstanceProcAddr")
		if err != nil {
			loadErr = fmt.Errorf("vkdriver: resolve vkGetInstanceProcAddr: %w", err)
			return
		}

		if err := ffi.PrepareCallInterface(&cifGetInstanceProcAddr, types.DefaultCall,
			types.PointerTypeDescriptor,
			[]*types.TypeDescriptor{types.UInt64TypeDescriptor, types.PointerTypeDescriptor}); err != nil {
			loadErr = fmt.Errorf("vkdriver: prepare vkGetInstanceProcAddr interface: %w", err)
			return
		}

		if err := ffi.PrepareCallInterface(&cifGetDeviceProcAddr, types.DefaultCall,
			types.PointerTypeDescriptor,
			[]*types.TypeDescriptor{types.UInt64TypeDescriptor, types.PointerTypeDescriptor}); err != nil {
			loadErr = fmt.Errorf("vkdriver: prepare vkGetDeviceProcAddr interface: %w", err)
			return
		}
	})
	return loadErr
}

func cString(name string) []byte {
	b := make([]byte, len(name)+1)
	copy(b, name)
	return b
}

func getInstanceProcAddr(instance uint64, name string) unsafe.Pointer {
	cname := cString(name)
	namePtr := unsafe.Pointer(&cname[0])
	var result unsafe.Pointer
	args := [2]unsafe.Pointer{
		unsafe.Pointer(&instance),
		unsafe.Pointer(&namePtr),
	}
	_ = ffi.CallFunction(&cifGetInstanceProcAddr, vkGetInstanceProcAddr, unsafe.Pointer(&result), args[:])
	return result
}

// getDeviceProcAddr resolves a device-level entry point through the
// device-specific loader trampoline, falling back to the instance-level
// one (vkGetInstanceProcAddr also resolves device functions, just slower)
// when it isn't available yet.
func getDeviceProcAddr(getDeviceProcAddrFn unsafe.Pointer, device uint64, name string) unsafe.Pointer {
	if getDeviceProcAddrFn == nil {
		return getInstanceProcAddr(0, name)
	}
	cname := cString(name)
	namePtr := unsafe.Pointer(&cname[0])
	var result unsafe.Pointer
	args := [2]unsafe.Pointer{
		unsafe.Pointer(&device),
		unsafe.Pointer(&namePtr),
	}
	_ = ffi.CallFunction(&cifGetDeviceProcAddr, getDeviceProcAddrFn, unsafe.Pointer(&result), args[:])
	return result
}
