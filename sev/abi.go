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
	"encoding/binary"
	"fmt"

	"github.com/google/go-sev-guest/abi"
)

// Types and values specified in AMD SNP API revision 1.51
// https://www.amd.com/system/files/TechDocs/56860.pdf

const (
	// SizeofPageInfo is the ABI size of PAGE_INFO.
	SizeofPageInfo = 0x70

	// SizeofVmcbSeg is the ABI size of an AMD-V VMCB segment struct.
	SizeofVmcbSeg = 16
	// SizeofVmsa is the ABI size of the SEV-ES VMCB secure save area.
	SizeofVmsa = 0x670
)

// PageType is an enum to safe-guard validity of Secure Nested Paging (SNP) page types.
// SNP ABI documentation for SNP_LAUNCH_UPDATE, Encodings for the PAGE_TYPE Field.
type PageType uint8

const (
	// PageTypeNormal is the SEV-SNP ABI encoding of a normally measured page.
	PageTypeNormal PageType = iota + 1
	// PageTypeVmsa is the SEV-SNP ABI encoding of an encrypted VMCB save area.
	PageTypeVmsa
	// PageTypeZero is the SEV-SNP ABI encoding of a zero page.
	PageTypeZero
	// PageTypeUnmeasured is the SEV-SNP ABI encoding of an unmeasured page
	PageTypeUnmeasured
	// PageTypeSecret is the SEV-SNP ABI encoding of the special Secrets page that the firmware will
	// populate at launch.
	PageTypeSecret
	// PageTypeCpuid is the SEV-SNP ABI encoding of a CPUID table page that the firmware will check
	// at launch.
	PageTypeCpuid
)

func (t PageType) String() string {
	switch t {
	case PageTypeNormal:
		return "PAGE_TYPE_NORMAL"
	case PageTypeVmsa:
		return "PAGE_TYPE_VMSA"
	case PageTypeZero:
		return "PAGE_TYPE_ZERO"
	case PageTypeUnmeasured:
		return "PAGE_TYPE_UNMEASURED"
	case PageTypeSecret:
		return "PAGE_TYPE_SECRETS"
	case PageTypeCpuid:
		return "PAGE_TYPE_CPUID"
	default:
		return fmt.Sprintf("[unknown page type: 0x%x]", uint8(t))
	}
}

// measuresContents returns whether the PAGE_INFO for pages of type t carries the hash of the page
// contents. The second result is false for values outside the enum.
func (t PageType) measuresContents() (measured bool, known bool) {
	switch t {
	case PageTypeNormal, PageTypeVmsa:
		return true, true
	case PageTypeZero, PageTypeUnmeasured, PageTypeSecret, PageTypeCpuid:
		return false, true
	default:
		return false, false
	}
}

// PageInfo represents an extension to the running launch_digest of an SNP launch. This
// struct is documented AMD ABI in SNP firmware API revision 1.51 as PAGE_INFO:
type PageInfo struct {
	digestCur  [abi.MeasurementSize]byte
	contents   [abi.MeasurementSize]byte
	length     uint16
	pageType   PageType
	imi        uint8 // Bits 7:1 are reserved.
	vmpl3Perms uint8
	vmpl2Perms uint8
	vmpl1Perms uint8
	gpa        uint64
}

// Put writes the PageInfo into data as an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Put(data []byte) error {
	if len(data) < SizeofPageInfo {
		return fmt.Errorf("data too small for PageInfo: %d < %d", len(data), SizeofPageInfo)
	}
	copy(data[0:0x30], p.digestCur[:])
	copy(data[0x30:0x60], p.contents[:])
	binary.LittleEndian.PutUint16(data[0x60:0x62], p.length)
	data[0x62] = uint8(p.pageType)
	data[0x63] = p.imi
	data[0x64] = p.vmpl3Perms
	data[0x65] = p.vmpl2Perms
	data[0x66] = p.vmpl1Perms
	data[0x67] = 0
	binary.LittleEndian.PutUint64(data[0x68:0x70], p.gpa)
	return nil
}

// Bytes serializes a PageInfo into an SEV-SNP PAGE_INFO byte sequence.
func (p *PageInfo) Bytes() ([]byte, error) {
	result := make([]byte, SizeofPageInfo)
	if err := p.Put(result); err != nil {
		return nil, err
	}
	return result, nil
}

// VmcbSeg is an AMD-V VMCB segment register.
type VmcbSeg struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// Put writes the segment in its ABI format to data.
func (s *VmcbSeg) Put(data []byte) error {
	if len(data) < SizeofVmcbSeg {
		return fmt.Errorf("data too small for VmcbSeg: %d < %d", len(data), SizeofVmcbSeg)
	}
	binary.LittleEndian.PutUint16(data[0:2], s.Selector)
	binary.LittleEndian.PutUint16(data[2:4], s.Attrib)
	binary.LittleEndian.PutUint32(data[4:8], s.Limit)
	binary.LittleEndian.PutUint64(data[8:SizeofVmcbSeg], s.Base)
	return nil
}

// VmcbSaveArea is the register state of a virtual CPU held in the SEV-ES VMCB save area (VMSA).
// Fields not listed are reserved or are zero at launch.
type VmcbSaveArea struct {
	Es   VmcbSeg
	Cs   VmcbSeg
	Ss   VmcbSeg
	Ds   VmcbSeg
	Fs   VmcbSeg
	Gs   VmcbSeg
	Gdtr VmcbSeg
	Ldtr VmcbSeg
	Idtr VmcbSeg
	Tr   VmcbSeg

	Cpl    uint8
	Efer   uint64
	Xss    uint64
	Cr4    uint64
	Cr3    uint64
	Cr0    uint64
	Dr7    uint64
	Dr6    uint64
	Rflags uint64
	Rip    uint64
	Rsp    uint64
	Rax    uint64

	Star         uint64
	Lstar        uint64
	Cstar        uint64
	Sfmask       uint64
	KernelGsBase uint64
	SysenterCs   uint64
	SysenterEsp  uint64
	SysenterEip  uint64
	Cr2          uint64
	GPat         uint64
	Dbgctl       uint64
	BrFrom       uint64
	BrTo         uint64
	LastExcpFrom uint64
	LastExcpTo   uint64

	// SEV-ES fields
	Pkru        uint32
	Rcx         uint64
	Rdx         uint64
	Rbx         uint64
	Rbp         uint64
	Rsi         uint64
	Rdi         uint64
	R8          uint64
	R9          uint64
	R10         uint64
	R11         uint64
	R12         uint64
	R13         uint64
	R14         uint64
	R15         uint64
	SwExitCode  uint64
	SwExitInfo1 uint64
	SwExitInfo2 uint64
	SwScratch   uint64
	SevFeatures uint64
	Xcr0        uint64
	Mxcsr       uint32
	X87Fcw      uint16
}

type vmsaField struct {
	offset int
	value  uint64
	size   int
}

func (v *VmcbSaveArea) fields() []vmsaField {
	q := func(offset int, value uint64) vmsaField { return vmsaField{offset: offset, value: value, size: 8} }
	return []vmsaField{
		{offset: 0xCB, value: uint64(v.Cpl), size: 1},
		q(0xD0, v.Efer),
		q(0x140, v.Xss),
		q(0x148, v.Cr4),
		q(0x150, v.Cr3),
		q(0x158, v.Cr0),
		q(0x160, v.Dr7),
		q(0x168, v.Dr6),
		q(0x170, v.Rflags),
		q(0x178, v.Rip),
		q(0x1D8, v.Rsp),
		q(0x1F8, v.Rax),
		q(0x200, v.Star),
		q(0x208, v.Lstar),
		q(0x210, v.Cstar),
		q(0x218, v.Sfmask),
		q(0x220, v.KernelGsBase),
		q(0x228, v.SysenterCs),
		q(0x230, v.SysenterEsp),
		q(0x238, v.SysenterEip),
		q(0x240, v.Cr2),
		q(0x268, v.GPat),
		q(0x270, v.Dbgctl),
		q(0x278, v.BrFrom),
		q(0x280, v.BrTo),
		q(0x288, v.LastExcpFrom),
		q(0x290, v.LastExcpTo),
		{offset: 0x2E8, value: uint64(v.Pkru), size: 4},
		q(0x308, v.Rcx),
		q(0x310, v.Rdx),
		q(0x318, v.Rbx),
		q(0x328, v.Rbp),
		q(0x330, v.Rsi),
		q(0x338, v.Rdi),
		q(0x340, v.R8),
		q(0x348, v.R9),
		q(0x350, v.R10),
		q(0x358, v.R11),
		q(0x360, v.R12),
		q(0x368, v.R13),
		q(0x370, v.R14),
		q(0x378, v.R15),
		q(0x390, v.SwExitCode),
		q(0x398, v.SwExitInfo1),
		q(0x3A0, v.SwExitInfo2),
		q(0x3A8, v.SwScratch),
		q(0x3B0, v.SevFeatures),
		q(0x3E8, v.Xcr0),
		{offset: 0x408, value: uint64(v.Mxcsr), size: 4},
		{offset: 0x410, value: uint64(v.X87Fcw), size: 2},
	}
}

// PutVmsa writes the VMCB Save area (VMSA) in its ABI format to data. Reserved bytes are zeroed.
func PutVmsa(v *VmcbSaveArea, data []byte) error {
	if len(data) < SizeofVmsa {
		return fmt.Errorf("data too small for VMSA: %d < %d", len(data), SizeofVmsa)
	}
	clear(data[:SizeofVmsa])
	segs := []struct {
		name string
		seg  *VmcbSeg
	}{
		{"ES", &v.Es}, {"CS", &v.Cs}, {"SS", &v.Ss}, {"DS", &v.Ds}, {"FS", &v.Fs},
		{"GS", &v.Gs}, {"GDTR", &v.Gdtr}, {"LDTR", &v.Ldtr}, {"IDTR", &v.Idtr}, {"TR", &v.Tr},
	}
	for i, s := range segs {
		if err := s.seg.Put(data[i*SizeofVmcbSeg : (i+1)*SizeofVmcbSeg]); err != nil {
			return fmt.Errorf("could not write VMSA.%s: %v", s.name, err)
		}
	}
	for _, f := range v.fields() {
		field := data[f.offset : f.offset+f.size]
		switch f.size {
		case 1:
			field[0] = uint8(f.value)
		case 2:
			binary.LittleEndian.PutUint16(field, uint16(f.value))
		case 4:
			binary.LittleEndian.PutUint32(field, uint32(f.value))
		case 8:
			binary.LittleEndian.PutUint64(field, f.value)
		}
	}
	return nil
}
