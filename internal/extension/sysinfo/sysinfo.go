// Package sysinfo is a built-in extension module exposing host and disk
// summaries through the engine's entry-point contract.
package sysinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/mattjoyce/opkit/internal/extension"
)

// ModuleName is the symbolic reference used in action descriptors.
const ModuleName = "sysinfo"

type module struct{}

// New is the registry factory for the sysinfo module.
func New() (any, error) {
	return module{}, nil
}

func (module) EntryPoints() map[string]extension.EntryPoint {
	return map[string]extension.EntryPoint{
		"host_summary": hostSummary,
		"disk_usage":   diskUsage,
	}
}

func hostSummary(ctx context.Context, _ map[string]string) (*extension.Result, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read memory info: %w", err)
	}

	uptime := time.Duration(info.Uptime) * time.Second
	return &extension.Result{
		Output: []string{
			fmt.Sprintf("host: %s (%s %s, %s)", info.Hostname, info.Platform, info.PlatformVersion, info.KernelArch),
			fmt.Sprintf("uptime: %s, processes: %d", uptime.Truncate(time.Minute), info.Procs),
			fmt.Sprintf("memory: %.1f%% of %d MiB used", vm.UsedPercent, vm.Total/1024/1024),
		},
	}, nil
}

func diskUsage(ctx context.Context, params map[string]string) (*extension.Result, error) {
	path := params["path"]
	if path == "" {
		path = "/"
	}
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read disk usage for %s: %w", path, err)
	}

	return &extension.Result{
		Output: []string{
			fmt.Sprintf("%s: %.1f%% used (%d MiB free of %d MiB)",
				usage.Path, usage.UsedPercent, usage.Free/1024/1024, usage.Total/1024/1024),
		},
	}, nil
}
