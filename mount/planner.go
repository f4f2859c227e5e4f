// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mount plans, executes and observes the mounts of converted partitions.
package mount

import (
	"github.com/siderolabs/go-fsconvert/command"
	"github.com/siderolabs/go-fsconvert/config"
	"github.com/siderolabs/go-fsconvert/layout"
)

// Mount options per filesystem kind.
const (
	RFSOptions  = "nosuid,nodev,check=no"
	Ext4Options = "noatime,data=ordered,nodelalloc"
	NoAtime     = "noatime"
)

// Planner builds mount and unmount plans for a layout.
type Planner struct {
	layout layout.Layout
}

// NewPlanner creates a new Planner.
func NewPlanner(l layout.Layout) *Planner {
	return &Planner{layout: l}
}

func (p *Planner) mount(args ...string) command.Cmd {
	return command.New(p.layout.Tools.Mount, args...)
}

func (p *Planner) unmount(args ...string) command.Cmd {
	return command.New(p.layout.Tools.Umount, append([]string{"-f"}, args...)...)
}

func (p *Planner) mkdir(path string) command.Cmd {
	return command.New(p.layout.Tools.Mkdir, "-p", path)
}

func (p *Planner) rfs(device, target string) command.Cmd {
	return p.mount("-t", "rfs", "-o", RFSOptions, device, target)
}

// kindStep mounts device at target with the filesystem-specific options.
//
// KindUnset tries an explicit RFS mount first and falls back to letting mount probe the type.
func (p *Planner) kindStep(kind config.Kind, device, target string) Step {
	switch kind {
	case config.KindUnset:
		return FirstOf(p.rfs(device, target), p.mount(device, target))
	case config.KindRFS:
		return Single(p.rfs(device, target))
	case config.KindExt4:
		return Single(p.mount("-t", kind.MountType(), "-o", Ext4Options, device, target))
	default:
		return Single(p.mount("-t", kind.MountType(), "-o", NoAtime, device, target))
	}
}

// Plan returns the steps which mount a partition with the given options.
//
// Bind mounts are not part of the plan, see BindPlan.
func (p *Planner) Plan(spec layout.PartitionSpec, opts config.Options) Plan {
	if !opts.Loop {
		return Plan{Steps: []Step{p.kindStep(opts.Kind, spec.BlockDevice, spec.MountPoint)}}
	}

	return Plan{
		Steps: []Step{
			Single(p.mkdir(spec.LoopMountPoint)),
			Single(command.New(p.layout.Tools.Chmod, "700", spec.LoopMountPoint)),
			p.kindStep(opts.Kind, spec.BlockDevice, spec.LoopMountPoint),
			Single(command.New(p.layout.Tools.Losetup, spec.LoopDevice, spec.ImagePath(p.layout.ImageName))),
			Single(p.mount("-t", "ext2", spec.LoopDevice, spec.MountPoint)),
		},
	}
}

// OuterMount mounts the raw device at the loop mount point while the loop image is created.
//
// RFS does not report its own type, so RFS and KindUnset use the RFS mount step.
func (p *Planner) OuterMount(spec layout.PartitionSpec, kind config.Kind) Plan {
	steps := []Step{Single(p.mkdir(spec.LoopMountPoint))}

	switch kind {
	case config.KindRFS, config.KindUnset:
		steps = append(steps, p.kindStep(kind, spec.BlockDevice, spec.LoopMountPoint))
	default:
		steps = append(steps, Single(p.mount(spec.BlockDevice, spec.LoopMountPoint)))
	}

	return Plan{Steps: steps}
}

// BindDirs creates the bind source and target directories.
func (p *Planner) BindDirs() Plan {
	return Plan{
		Steps: []Step{
			Single(p.mkdir(p.layout.BindSource)),
			Single(p.mkdir(p.layout.BindTarget)),
		},
	}
}

// BindPlan creates the bind directories and bind-mounts the DBDATA copy over DATA.
func (p *Planner) BindPlan() Plan {
	return p.BindDirs().Append(Single(p.mount("-o", "bind", p.layout.BindSource, p.layout.BindTarget)))
}

// UnmountAll returns the forced unmount of every possible mount in a fixed order.
//
// Bind and nested mounts go first, then loop devices, then the outer and direct mounts.
func (p *Planner) UnmountAll() Plan {
	l := p.layout

	steps := []Step{
		Single(p.unmount(l.BindTarget)),
		Single(p.unmount(l.DalvikCache)),
	}

	for _, device := range l.LoopDevices() {
		steps = append(steps, Single(p.unmount("-d", device)))
	}

	for _, spec := range []layout.PartitionSpec{l.Cache, l.Data, l.DBData} {
		steps = append(steps, Single(p.unmount(spec.LoopMountPoint)))
	}

	for _, spec := range []layout.PartitionSpec{l.Cache, l.Data, l.DBData} {
		steps = append(steps, Single(p.unmount(spec.MountPoint)))
	}

	return Plan{Steps: steps}
}

// Unmount returns the forced unmount of a single path.
func (p *Planner) Unmount(path string) Plan {
	return Plan{Steps: []Step{Single(p.unmount(path))}}
}

// UnmountDevice returns the non-forced unmount of a raw device.
func (p *Planner) UnmountDevice(device string) Plan {
	return Plan{Steps: []Step{Single(command.New(p.layout.Tools.Umount, device))}}
}

// Direct mounts a partition without loop support, as used for SYSTEM.
func (p *Planner) Direct(spec layout.PartitionSpec, kind config.Kind) Plan {
	if kind.IsExt() {
		return Plan{Steps: []Step{Single(p.mount("-t", "ext4", spec.BlockDevice, spec.MountPoint))}}
	}

	return Plan{Steps: []Step{p.kindStep(kind, spec.BlockDevice, spec.MountPoint)}}
}

// Volume mounts a fixed-type volume such as external storage.
func (p *Planner) Volume(v layout.Volume) Plan {
	args := []string{}

	if v.Type != "" {
		args = append(args, "-t", v.Type)
	}

	if v.Options != "" {
		args = append(args, "-o", v.Options)
	}

	return Plan{
		Steps: []Step{
			Single(p.mkdir(v.MountPoint)),
			Single(p.mount(append(args, v.BlockDevice, v.MountPoint)...)),
		},
	}
}
