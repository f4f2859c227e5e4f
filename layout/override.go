// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PartitionOverride replaces individual fields of a PartitionSpec.
//
// Nil fields are left untouched.
type PartitionOverride struct {
	BlockDevice          *string `yaml:"blockDevice"`
	LoopDevice           *string `yaml:"loopDevice"`
	MountPoint           *string `yaml:"mountPoint"`
	LoopMountPoint       *string `yaml:"loopMountPoint"`
	Inodes               *int    `yaml:"inodes"`
	LoopImageSize        *int64  `yaml:"loopImageSize"`
	FATSectorsPerCluster *int    `yaml:"fatSectorsPerCluster"`
	FATSize              *int    `yaml:"fatSize"`
}

// Override is a partial Layout, usually loaded from a YAML file.
type Override struct {
	Partitions map[Name]PartitionOverride `yaml:"partitions"`
	External   *Volume                    `yaml:"external"`
	Tools      *Tools                     `yaml:"tools"`

	ScratchLoop        *string `yaml:"scratchLoop"`
	ImageName          *string `yaml:"imageName"`
	BindSource         *string `yaml:"bindSource"`
	BindTarget         *string `yaml:"bindTarget"`
	DalvikCache        *string `yaml:"dalvikCache"`
	ConfigPath         *string `yaml:"configPath"`
	PreviousConfigPath *string `yaml:"previousConfigPath"`
	BackupRoot         *string `yaml:"backupRoot"`
	SystemArchive      *string `yaml:"systemArchive"`
}

// Load reads an override file and applies it on top of Default().
func Load(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, err
	}

	var o Override

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err = dec.Decode(&o); err != nil {
		return Layout{}, fmt.Errorf("failed to parse layout %q: %w", path, err)
	}

	return Default().Apply(o)
}

// Apply returns a copy of the layout with the override applied.
func (l Layout) Apply(o Override) (Layout, error) {
	for name, po := range o.Partitions {
		spec, ok := l.Partition(name)
		if !ok {
			return Layout{}, fmt.Errorf("unknown partition %q in layout override", name)
		}

		spec = po.apply(spec)

		switch name {
		case Data:
			l.Data = spec
		case DBData:
			l.DBData = spec
		case Cache:
			l.Cache = spec
		case System:
			l.System = spec
		}
	}

	if o.External != nil {
		l.External = mergeVolume(l.External, *o.External)
	}

	if o.Tools != nil {
		l.Tools = mergeTools(l.Tools, *o.Tools)
	}

	for _, field := range []struct {
		dst *string
		src *string
	}{
		{&l.ScratchLoop, o.ScratchLoop},
		{&l.ImageName, o.ImageName},
		{&l.BindSource, o.BindSource},
		{&l.BindTarget, o.BindTarget},
		{&l.DalvikCache, o.DalvikCache},
		{&l.ConfigPath, o.ConfigPath},
		{&l.PreviousConfigPath, o.PreviousConfigPath},
		{&l.BackupRoot, o.BackupRoot},
		{&l.SystemArchive, o.SystemArchive},
	} {
		if field.src != nil {
			*field.dst = *field.src
		}
	}

	return l, l.Validate()
}

// Validate checks that the layout is usable.
func (l Layout) Validate() error {
	for _, spec := range l.Partitions() {
		if spec.BlockDevice == "" || spec.MountPoint == "" {
			return fmt.Errorf("partition %s: block device and mount point are required", spec.Name)
		}

		if spec.LoopDevice == "" || spec.LoopMountPoint == "" {
			return fmt.Errorf("partition %s: loop device and loop mount point are required", spec.Name)
		}

		if spec.LoopImageSize <= 0 {
			return fmt.Errorf("partition %s: loop image size must be positive", spec.Name)
		}
	}

	if l.ScratchLoop == "" || l.ImageName == "" {
		return fmt.Errorf("scratch loop device and image name are required")
	}

	return nil
}

func (po PartitionOverride) apply(spec PartitionSpec) PartitionSpec {
	if po.BlockDevice != nil {
		spec.BlockDevice = *po.BlockDevice
	}

	if po.LoopDevice != nil {
		spec.LoopDevice = *po.LoopDevice
	}

	if po.MountPoint != nil {
		spec.MountPoint = *po.MountPoint
	}

	if po.LoopMountPoint != nil {
		spec.LoopMountPoint = *po.LoopMountPoint
	}

	if po.Inodes != nil {
		spec.Inodes = *po.Inodes
	}

	if po.LoopImageSize != nil {
		spec.LoopImageSize = *po.LoopImageSize
	}

	if po.FATSectorsPerCluster != nil {
		spec.FATSectorsPerCluster = *po.FATSectorsPerCluster
	}

	if po.FATSize != nil {
		spec.FATSize = *po.FATSize
	}

	return spec
}

func mergeVolume(dst, src Volume) Volume {
	if src.BlockDevice != "" {
		dst.BlockDevice = src.BlockDevice
	}

	if src.MountPoint != "" {
		dst.MountPoint = src.MountPoint
	}

	if src.Type != "" {
		dst.Type = src.Type
	}

	if src.Options != "" {
		dst.Options = src.Options
	}

	return dst
}

func mergeTools(dst, src Tools) Tools {
	for _, field := range []struct {
		dst *string
		src string
	}{
		{&dst.FATFormat, src.FATFormat},
		{&dst.MkfsJFS, src.MkfsJFS},
		{&dst.MkfsExt2, src.MkfsExt2},
		{&dst.MkfsExt3, src.MkfsExt3},
		{&dst.MkfsExt4, src.MkfsExt4},
		{&dst.Mount, src.Mount},
		{&dst.Umount, src.Umount},
		{&dst.Losetup, src.Losetup},
		{&dst.Mkdir, src.Mkdir},
		{&dst.Chmod, src.Chmod},
		{&dst.Rm, src.Rm},
		{&dst.Nandroid, src.Nandroid},
	} {
		if field.src != "" {
			*field.dst = field.src
		}
	}

	return dst
}
