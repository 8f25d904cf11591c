// Package coreengine groups the low-level KVM/device-emulation
// subpackages (hypervisor, devices, network) behind one internal
// boundary. These subpackages are vendored-style reference scaffolding
// carried over from the hypervisor this module's VM layer is built on:
// per spec.md §1, the VM is an external black box to the supervisor, and
// the ioctl-level plumbing in these subpackages is consumed, not
// reshaped, by vmmcore's own domain code in package vm. Treat anything
// under coreengine as infrastructure the vm package adapts, not as a
// first-class package of this module in its own right.
package coreengine
