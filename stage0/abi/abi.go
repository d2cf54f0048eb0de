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

// Package abi defines binary interface conversion functions for the metadata a Stage0 firmware
// ROM embeds for the VMM. Stage0 uses the same GUIDed table layout as OVMF's reset vector.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// SizeofFwGUIDEntry is the ABI size of the FwGUIDEntry type.
	SizeofFwGUIDEntry = 18

	// FwGUIDTableFooterGUID is the GUIDed Table Footer GUID defined at upstream edk2
	// https://github.com/tianocore/edk2/blob/01726b6d23d4c8a870dbd5b96c0b9e3caf38ef3c/OvmfPkg/ResetVector/Ia16/ResetVectorVtf0.asm.
	FwGUIDTableFooterGUID = "96b582de-1fb2-45f7-baea-a366c55a082d"

	// FwGUIDTableEndOffset is the offset from the end of the firmware ROM to the end of the GUIDed
	// Table structure. The last 0x20 bytes hold the reset vector code.
	FwGUIDTableEndOffset = 0x20

	// PageSize is the size of a page in SEV metadata sections and in every measured page.
	PageSize = 4096

	// SevEsResetBlockGUID identifies the SEV-ES reset block in the GUIDed table.
	SevEsResetBlockGUID = "00f771de-1a7e-4fcb-890e-68c77e2fb44e"

	// SevMetadataOffsetGUID identifies the GUIDed table entry that holds the offset to the SEV
	// metadata. Firmware sources spell it "dc886566-984a-4798-A75e-5585a7bf67cc"; tools render
	// GUIDs in lowercase.
	SevMetadataOffsetGUID = "dc886566-984a-4798-a75e-5585a7bf67cc"

	// SevSnpMetadataSignature is "A" "S" "E" "V" read as a little endian uint32.
	SevSnpMetadataSignature = 0x56455341

	// SizeofSevEsResetBlock is the ABI size of the packed struct of an SevEsResetBlock.
	SizeofSevEsResetBlock = 22
	// SizeofMetadataOffset is the ABI size of the packed struct of a MetadataOffset.
	SizeofMetadataOffset = 4 + SizeofFwGUIDEntry
	// SizeofSevMetadata is the ABI size of the packed struct of a SevMetadata.
	SizeofSevMetadata = 16
	// SizeofSevMetadataSection is the ABI size of the packed struct of a SevMetadataSection.
	SizeofSevMetadataSection = 12
)

// SevSectionKind is the type of memory a SEV metadata section asks the VMM to prepare.
type SevSectionKind uint32

const (
	// SevUnmeasuredSection is memory the VMM must pre-validate without measuring its contents.
	SevUnmeasuredSection SevSectionKind = 0x1
	// SevSecretSection is the page the AMD-SP populates with the guest secrets.
	SevSecretSection SevSectionKind = 0x2
	// SevCpuidSection is the page the AMD-SP fills with the validated CPUID table.
	SevCpuidSection SevSectionKind = 0x3
	// SevSvsmCaaSection is the calling area page for an SVSM. It is measured as a zero page.
	SevSvsmCaaSection SevSectionKind = 0x4
)

// Known returns whether k is one of the section kinds defined above.
func (k SevSectionKind) Known() bool {
	switch k {
	case SevUnmeasuredSection, SevSecretSection, SevCpuidSection, SevSvsmCaaSection:
		return true
	}
	return false
}

func (k SevSectionKind) String() string {
	switch k {
	case SevCpuidSection:
		return "SEV_SECTION_TYPE_CPUID"
	case SevSecretSection:
		return "SEV_SECTION_TYPE_SNP_SECRETS"
	case SevUnmeasuredSection:
		return "SEV_SECTION_TYPE_SNP_SEC_MEM"
	case SevSvsmCaaSection:
		return "SEV_SECTION_TYPE_SVSM_CAA"
	default:
		return fmt.Sprintf("[unknown SNP metadata section type: 0x%x]", uint32(k))
	}
}

// FwGUIDEntry is the trailer of every block in the GUIDed table. Size includes the entry itself.
type FwGUIDEntry struct {
	Size uint16
	GUID uuid.UUID
}

// EFIGUID is the mixed-endian representation of a GUID in firmware binaries.
type EFIGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]uint8
}

// Put writes g in its ABI format to the beginning of data.
func (g EFIGUID) Put(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("data too small for GUID: %d < 16", len(data))
	}
	binary.LittleEndian.PutUint32(data[0:4], g.Data1)
	binary.LittleEndian.PutUint16(data[4:6], g.Data2)
	binary.LittleEndian.PutUint16(data[6:8], g.Data3)
	copy(data[8:16], g.Data4[:])
	return nil
}

func parseEFIGUID(data []byte) (EFIGUID, error) {
	if len(data) != 16 {
		return EFIGUID{}, fmt.Errorf("incorrect data size for EFI GUID: %d, want 16", len(data))
	}
	result := EFIGUID{
		Data1: binary.LittleEndian.Uint32(data[0:4]),
		Data2: binary.LittleEndian.Uint16(data[4:6]),
		Data3: binary.LittleEndian.Uint16(data[6:8]),
	}
	copy(result.Data4[:], data[8:16])
	return result, nil
}

// UUID returns the canonical RFC 4122 byte order of g.
func (g EFIGUID) UUID() uuid.UUID {
	var result uuid.UUID
	binary.BigEndian.PutUint32(result[0:4], g.Data1)
	binary.BigEndian.PutUint16(result[4:6], g.Data2)
	binary.BigEndian.PutUint16(result[6:8], g.Data3)
	copy(result[8:16], g.Data4[:])
	return result
}

// FromEFIGUID parses an EFI_GUID in little endian format into a uuid.UUID.
func FromEFIGUID(efiguid []byte) (uuid.UUID, error) {
	guid, err := parseEFIGUID(efiguid)
	if err != nil {
		return uuid.UUID{}, err
	}
	return guid.UUID(), nil
}

// PutUUID writes a uuid.UUID to binary in EFI_GUID little endian format.
func PutUUID(data []byte, guid uuid.UUID) error {
	if len(data) < 16 {
		return fmt.Errorf("data too small for GUID: %d < 16", len(data))
	}
	binary.LittleEndian.PutUint32(data[0:4], binary.BigEndian.Uint32(guid[0:4]))
	binary.LittleEndian.PutUint16(data[4:6], binary.BigEndian.Uint16(guid[4:6]))
	binary.LittleEndian.PutUint16(data[6:8], binary.BigEndian.Uint16(guid[6:8]))
	copy(data[8:16], guid[8:16])
	return nil
}

// Put writes f in its ABI format to the beginning of data.
func (f *FwGUIDEntry) Put(data []byte) error {
	if len(data) < SizeofFwGUIDEntry {
		return fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	binary.LittleEndian.PutUint16(data[0:2], f.Size)
	return PutUUID(data[2:SizeofFwGUIDEntry], f.GUID)
}

// FwGUIDEntryFromBytes interprets the first SizeofFwGUIDEntry bytes of data as a FwGUIDEntry.
func FwGUIDEntryFromBytes(data []byte) (*FwGUIDEntry, error) {
	if len(data) < SizeofFwGUIDEntry {
		return nil, fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	guid, err := FromEFIGUID(data[2:SizeofFwGUIDEntry])
	if err != nil {
		return nil, err
	}
	return &FwGUIDEntry{Size: binary.LittleEndian.Uint16(data[0:2]), GUID: guid}, nil
}

// SevMetadataSection describes a run of guest memory the VMM must prepare before launch.
type SevMetadataSection struct {
	Address uint32
	Length  uint32
	Kind    SevSectionKind
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevMetadataSection) Put(data []byte) error {
	if len(data) < SizeofSevMetadataSection {
		return fmt.Errorf("data too small for SEV metadata section: %d < %d", len(data), SizeofSevMetadataSection)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Address)
	binary.LittleEndian.PutUint32(data[4:8], s.Length)
	binary.LittleEndian.PutUint32(data[8:12], uint32(s.Kind))
	return nil
}

// SevMetadataSectionFromBytes interprets the beginning of data as a SevMetadataSection.
func SevMetadataSectionFromBytes(data []byte) (*SevMetadataSection, error) {
	if len(data) < SizeofSevMetadataSection {
		return nil, fmt.Errorf("data too small for SEV metadata section: %d < %d", len(data), SizeofSevMetadataSection)
	}
	return &SevMetadataSection{
		Address: binary.LittleEndian.Uint32(data[0:4]),
		Length:  binary.LittleEndian.Uint32(data[4:8]),
		Kind:    SevSectionKind(binary.LittleEndian.Uint32(data[8:12])),
	}, nil
}

// SevMetadata is the header of the SEV metadata. Sections section descriptors follow it
// immediately.
type SevMetadata struct {
	Signature uint32
	Length    uint32
	Version   uint32
	Sections  uint32
}

// Put writes s in its ABI format to the beginning of data.
func (s *SevMetadata) Put(data []byte) error {
	if len(data) < SizeofSevMetadata {
		return fmt.Errorf("data too small for SEV metadata: %d < %d", len(data), SizeofSevMetadata)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Signature)
	binary.LittleEndian.PutUint32(data[4:8], s.Length)
	binary.LittleEndian.PutUint32(data[8:12], s.Version)
	binary.LittleEndian.PutUint32(data[12:16], s.Sections)
	return nil
}

// SevMetadataFromBytes interprets the beginning of data as a SevMetadata header.
func SevMetadataFromBytes(data []byte) (*SevMetadata, error) {
	if len(data) < SizeofSevMetadata {
		return nil, fmt.Errorf("data too small for SEV metadata: %d < %d", len(data), SizeofSevMetadata)
	}
	return &SevMetadata{
		Signature: binary.LittleEndian.Uint32(data[0:4]),
		Length:    binary.LittleEndian.Uint32(data[4:8]),
		Version:   binary.LittleEndian.Uint32(data[8:12]),
		Sections:  binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// MetadataOffset is the GUIDed table block that points at the SEV metadata. Offset is counted
// backwards from the end of the ROM.
type MetadataOffset struct {
	Offset    uint32
	GUIDEntry FwGUIDEntry
}

// Put writes s in its ABI format to the beginning of data.
func (s *MetadataOffset) Put(data []byte) error {
	if len(data) < SizeofMetadataOffset {
		return fmt.Errorf("data too small for SEV metadata offset: %d < %d", len(data), SizeofMetadataOffset)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Offset)
	if err := s.GUIDEntry.Put(data[4:SizeofMetadataOffset]); err != nil {
		return fmt.Errorf("could not write GUIDEntry: %v", err)
	}
	return nil
}

// MetadataOffsetFromBytes interprets a GUIDed table block as a MetadataOffset.
func MetadataOffsetFromBytes(data []byte) (*MetadataOffset, error) {
	if len(data) < SizeofMetadataOffset {
		return nil, fmt.Errorf("data too small for SEV metadata offset: %d < %d", len(data), SizeofMetadataOffset)
	}
	entry, err := FwGUIDEntryFromBytes(data[4:SizeofMetadataOffset])
	if err != nil {
		return nil, fmt.Errorf("could not populate GUIDEntry: %v", err)
	}
	return &MetadataOffset{
		Offset:    binary.LittleEndian.Uint32(data[0:4]),
		GUIDEntry: *entry,
	}, nil
}

// SevEsResetBlock tells the VMM where application processors start executing. SEV-ES guests
// cannot have INIT-SIPI-SIPI emulated since the vCPU register state is encrypted.
type SevEsResetBlock struct {
	Addr uint32
	Size uint16
	GUID uuid.UUID
}

// SevEsResetBlockFromBytes interprets a GUIDed table block as a SevEsResetBlock.
func SevEsResetBlockFromBytes(data []byte) (*SevEsResetBlock, error) {
	if len(data) != SizeofSevEsResetBlock {
		return nil, fmt.Errorf("unexpected SEV-ES reset block size %d, want: %d", len(data), SizeofSevEsResetBlock)
	}
	// SizeofSevEsResetBlock - 6 = 16, so FromEFIGUID cannot error.
	guid, _ := FromEFIGUID(data[6:SizeofSevEsResetBlock])
	return &SevEsResetBlock{
		Addr: binary.LittleEndian.Uint32(data[0:4]),
		Size: binary.LittleEndian.Uint16(data[4:6]),
		GUID: guid,
	}, nil
}

// Put writes b in its ABI format to the beginning of data.
func (b *SevEsResetBlock) Put(data []byte) error {
	if len(data) < SizeofSevEsResetBlock {
		return fmt.Errorf("unexpected SEV-ES reset block size %d < %d", len(data), SizeofSevEsResetBlock)
	}
	binary.LittleEndian.PutUint32(data[0:4], b.Addr)
	binary.LittleEndian.PutUint16(data[4:6], b.Size)
	return PutUUID(data[6:SizeofSevEsResetBlock], b.GUID)
}
