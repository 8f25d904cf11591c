// Package config describes the opaque VM configuration the supervisor
// threads through VmCreate and carries across a reboot cycle.
//
// Loading configuration from disk or flags is an external concern (the
// supervisor only ever receives a Config value over the command channel);
// this package defines the shareable value itself plus a constructor for
// sane defaults so callers are not forced to hand-fill every field.
package config

// Config is the opaque configuration handed to Vm::new on VmCreate and
// captured by the supervisor so it can rebuild an equivalent VM on reboot.
type Config struct {
	MemorySizeBytes uint64 `json:"memory_size_bytes,omitempty"`
	NumVCPUs        int    `json:"num_vcpus,omitempty"`
	Debug           bool   `json:"debug,omitempty"`
	BootBinaryPath  string `json:"boot_binary_path,omitempty"`
	TapDeviceName   string `json:"tap_device_name,omitempty"`
}

// Default returns a Config with the same power-on defaults the VM
// constructor historically assumed when fields were left zero.
func Default() Config {
	return Config{
		MemorySizeBytes: 128 * 1024 * 1024,
		NumVCPUs:        1,
		BootBinaryPath:  "boot_pm.bin",
		TapDeviceName:   "tap0",
	}
}

// WithDefaults fills any zero-valued field of cfg from Default.
func WithDefaults(cfg Config) Config {
	d := Default()
	if cfg.MemorySizeBytes == 0 {
		cfg.MemorySizeBytes = d.MemorySizeBytes
	}
	if cfg.NumVCPUs == 0 {
		cfg.NumVCPUs = d.NumVCPUs
	}
	if cfg.BootBinaryPath == "" {
		cfg.BootBinaryPath = d.BootBinaryPath
	}
	if cfg.TapDeviceName == "" {
		cfg.TapDeviceName = d.TapDeviceName
	}
	return cfg
}
