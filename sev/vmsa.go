// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sev

import (
	"fmt"
	"strings"

	"github.com/google/snp-measurement/stage0"
)

// VMMType identifies the hypervisor, which decides a few launch register values.
type VMMType int

const (
	// VMMTypeQEMU is QEMU/KVM. It leaves G_PAT at the architectural power-on value.
	VMMTypeQEMU VMMType = iota
	// VMMTypeGCE is the Google Compute Engine hypervisor.
	VMMTypeGCE
)

const (
	// gPatQEMU is the power-on value of the PAT MSR.
	gPatQEMU = 0x0007040600070406
	gPatGCE  = 0x00070106
)

func (t VMMType) String() string {
	switch t {
	case VMMTypeQEMU:
		return "qemu"
	case VMMTypeGCE:
		return "gce"
	default:
		return fmt.Sprintf("[unknown VMM type: %d]", int(t))
	}
}

// ParseVMMType returns the VMMType named by s, ignoring case.
func ParseVMMType(s string) (VMMType, error) {
	switch strings.ToLower(s) {
	case "qemu", "kvm":
		return VMMTypeQEMU, nil
	case "gce":
		return VMMTypeGCE, nil
	}
	return 0, fmt.Errorf("unknown VMM type %q, want one of qemu, gce", s)
}

func (t VMMType) gPat() (uint64, error) {
	switch t {
	case VMMTypeQEMU:
		return gPatQEMU, nil
	case VMMTypeGCE:
		return gPatGCE, nil
	}
	return 0, fmt.Errorf("unknown VMM type %v", t)
}

func dataSeg() VmcbSeg {
	return VmcbSeg{Attrib: 0x0093, Limit: 0xffff}
}

// BootVmsa returns the register state of the bootstrap processor at reset, as the hypervisor
// hands it to the AMD-SP.
func BootVmsa(vmm VMMType) (*VmcbSaveArea, error) {
	gPat, err := vmm.gPat()
	if err != nil {
		return nil, err
	}
	return &VmcbSaveArea{
		Es:          dataSeg(),
		Cs:          VmcbSeg{Selector: 0xf000, Attrib: 0x009b, Limit: 0xffff, Base: 0xffff0000},
		Ss:          dataSeg(),
		Ds:          dataSeg(),
		Fs:          dataSeg(),
		Gs:          dataSeg(),
		Gdtr:        VmcbSeg{Limit: 0xffff},
		Ldtr:        VmcbSeg{Attrib: 0x0082, Limit: 0xffff},
		Idtr:        VmcbSeg{Limit: 0xffff},
		Tr:          VmcbSeg{Attrib: 0x008b, Limit: 0xffff},
		Efer:        0x1000,
		Cr0:         0x10,
		Cr4:         0x40,
		Dr6:         0xffff0ff0,
		Dr7:         0x400,
		Rip:         0xfff0,
		Rflags:      0x2,
		GPat:        gPat,
		Rdx:         0x600,
		Xcr0:        0x1,
		SevFeatures: 0x1,
	}, nil
}

// ApVmsa returns the register state of an application processor, which starts at the firmware's
// reset vector instead of the architectural reset address.
func ApVmsa(vmm VMMType, rv stage0.ResetVector) (*VmcbSaveArea, error) {
	v, err := BootVmsa(vmm)
	if err != nil {
		return nil, err
	}
	v.Cs.Base = rv.CSBase
	v.Rip = rv.RIP
	return v, nil
}
