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

// Package fakestage0 generates synthetic Stage0 ROM images to test firmware parsing and
// measurement.
package fakestage0

import (
	"fmt"
	"testing"

	"github.com/google/snp-measurement/stage0/abi"
	"github.com/google/uuid"
)

const (
	// SevEsAddrVal is the addr value in the SEV-ES reset block for testing.
	SevEsAddrVal = 0xff0012f0

	// SevSnpUnmeasuredAddr is a test-only address of an unmeasured section.
	SevSnpUnmeasuredAddr = 0x00800000
	// SevSnpUnmeasuredLength is a test-only length of the unmeasured section.
	SevSnpUnmeasuredLength = 0x00003000
	// SevSnpSecretAddr is a test-only address of the secrets page.
	SevSnpSecretAddr = 0x00804000
	// SevSnpCpuidAddr is a test-only address of the CPUID page.
	SevSnpCpuidAddr = 0x00805000
	// SevSnpSvsmCaaAddr is a test-only address of the SVSM calling area page.
	SevSnpSvsmCaaAddr = 0x00806000

	// MarkerOffset is where CleanExample writes recognizable bytes into the ROM.
	MarkerOffset = 0x800
	// Marker is written at MarkerOffset by CleanExample.
	Marker = "LGTMLGTMLGTMLGTM"
)

// UnmeasuredSection returns a SevMetadataSection of type Unmeasured at the given address and
// length.
func UnmeasuredSection(address, length uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: length, Kind: abi.SevUnmeasuredSection}
}

// SecretSection returns a one page SevMetadataSection of Secret type at the given address.
func SecretSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevSecretSection}
}

// CpuidSection returns a one page SevMetadataSection of Cpuid type at the given address.
func CpuidSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevCpuidSection}
}

// SvsmCaaSection returns a one page SevMetadataSection of SVSM calling area type at the given
// address.
func SvsmCaaSection(address uint32) abi.SevMetadataSection {
	return abi.SevMetadataSection{Address: address, Length: abi.PageSize, Kind: abi.SevSvsmCaaSection}
}

// DefaultSnpSections returns one section of every kind at the default test addresses.
func DefaultSnpSections() []abi.SevMetadataSection {
	return []abi.SevMetadataSection{
		UnmeasuredSection(SevSnpUnmeasuredAddr, SevSnpUnmeasuredLength),
		SecretSection(SevSnpSecretAddr),
		CpuidSection(SevSnpCpuidAddr),
		SvsmCaaSection(SevSnpSvsmCaaAddr),
	}
}

// InitializeGUIDTable writes a GUIDed table footer baseOffsetFromEnd bytes before the end of
// firmware. Each populateFn is given the offset from the end of the firmware at which its block
// must end, and blockSizes[i] is the size of the block populateFns[i] writes.
func InitializeGUIDTable(
	firmware []byte,
	baseOffsetFromEnd int,
	blockSizes []uint16,
	populateFns []func(offsetFromEnd int) error) error {
	footerOffsetFromEnd := baseOffsetFromEnd + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return fmt.Errorf("firmware size is too small to copy the footer block")
	}
	if len(blockSizes) != len(populateFns) {
		return fmt.Errorf("blockSizes and populateFns must have the same length")
	}
	var tableSize int
	for i, populateFn := range populateFns {
		if err := populateFn(footerOffsetFromEnd + tableSize); err != nil {
			return err
		}
		tableSize += int(blockSizes[i])
	}
	return (&abi.FwGUIDEntry{
		GUID: uuid.MustParse(abi.FwGUIDTableFooterGUID),
		// The footer's size covers itself and every block above it.
		Size: uint16(tableSize + abi.SizeofFwGUIDEntry),
	}).Put(firmware[len(firmware)-footerOffsetFromEnd:])
}

// InitializeSevResetBlock writes a SEV-ES reset block that ends offsetFromEnd bytes before the end
// of firmware.
func InitializeSevResetBlock(firmware []byte, offsetFromEnd int, resetBlockAddr uint32) error {
	start := len(firmware) - offsetFromEnd - abi.SizeofSevEsResetBlock
	if start < 0 {
		return fmt.Errorf("the given firmware is too small to hold a SEV-ES reset block ending %d bytes before its end. buffer size: %d",
			offsetFromEnd, len(firmware))
	}
	block := &abi.SevEsResetBlock{
		Addr: resetBlockAddr,
		Size: abi.SizeofSevEsResetBlock,
		GUID: uuid.MustParse(abi.SevEsResetBlockGUID),
	}
	return block.Put(firmware[start : start+abi.SizeofSevEsResetBlock])
}

// InitializeSevMetadata writes the SEV metadata header and sections to the start of firmware, and
// a metadata offset block pointing at them that ends offsetFromEnd bytes before the end of
// firmware.
func InitializeSevMetadata(firmware []byte, offsetFromEnd int, snpSections []abi.SevMetadataSection) error {
	start := len(firmware) - offsetFromEnd - abi.SizeofMetadataOffset
	if len(firmware) == 0 || start < 0 {
		return fmt.Errorf("the given firmware is too small to hold a SEV metadata offset ending %d bytes before its end. buffer size: %d",
			offsetFromEnd, len(firmware))
	}
	header := abi.SevMetadata{
		Signature: abi.SevSnpMetadataSignature,
		Length:    uint32(len(snpSections)*abi.SizeofSevMetadataSection + abi.SizeofSevMetadata),
		Version:   1,
		Sections:  uint32(len(snpSections)),
	}
	// Storing the metadata at the start of the ROM makes its offset from the end the ROM size.
	if start < int(header.Length) {
		return fmt.Errorf("the given firmware is too small for SEV metadata of size %d. buffer size: %d",
			header.Length, len(firmware))
	}
	if err := header.Put(firmware); err != nil {
		return err
	}
	next := abi.SizeofSevMetadata
	for _, section := range snpSections {
		if err := section.Put(firmware[next : next+abi.SizeofSevMetadataSection]); err != nil {
			return err
		}
		next += abi.SizeofSevMetadataSection
	}
	offset := &abi.MetadataOffset{
		Offset: uint32(len(firmware)),
		GUIDEntry: abi.FwGUIDEntry{
			Size: abi.SizeofMetadataOffset,
			GUID: uuid.MustParse(abi.SevMetadataOffsetGUID),
		},
	}
	return offset.Put(firmware[start : start+abi.SizeofMetadataOffset])
}

// InitializeSevGUIDTableFns returns the GUIDed table populate functions for a SEV-ES reset block
// followed by a SEV metadata offset block.
func InitializeSevGUIDTableFns(firmware []byte, resetBlockAddr uint32, snpSections []abi.SevMetadataSection) []func(int) error {
	return []func(int) error{
		func(offsetFromEnd int) error {
			return InitializeSevResetBlock(firmware, offsetFromEnd, resetBlockAddr)
		},
		func(offsetFromEnd int) error {
			return InitializeSevMetadata(firmware, offsetFromEnd, snpSections)
		},
	}
}

// InitializeSevGUIDTable writes a GUIDed table holding a SEV-ES reset block and SEV metadata
// offset block to firmware.
//
// The firmware has the following shape afterwards:
//
//	|SEV metadata|
//	|...|
//	|SEV metadata offset block|
//	|SEV-ES reset block|
//	|Footer FwGUIDEntry|
//	|baseOffsetFromEnd bytes|
func InitializeSevGUIDTable(
	firmware []byte,
	baseOffsetFromEnd int,
	resetBlockAddr uint32,
	snpSections []abi.SevMetadataSection) error {
	return InitializeGUIDTable(firmware, baseOffsetFromEnd, []uint16{
		abi.SizeofSevEsResetBlock,
		abi.SizeofMetadataOffset,
	}, InitializeSevGUIDTableFns(firmware, resetBlockAddr, snpSections))
}

func resetBlockBytes(firmware []byte) []byte {
	end := len(firmware) - abi.FwGUIDTableEndOffset - abi.SizeofFwGUIDEntry
	return firmware[end-abi.SizeofSevEsResetBlock : end]
}

func metadataOffsetBytes(firmware []byte) []byte {
	end := len(firmware) - abi.FwGUIDTableEndOffset - abi.SizeofFwGUIDEntry - abi.SizeofSevEsResetBlock
	return firmware[end-abi.SizeofMetadataOffset : end]
}

// MutateSevEsResetBlock calls mutate on the parsed SEV-ES reset block of a firmware built by
// CleanExample and writes the result back.
func MutateSevEsResetBlock(firmware []byte, mutate func(*abi.SevEsResetBlock) error) error {
	blockBytes := resetBlockBytes(firmware)
	block, err := abi.SevEsResetBlockFromBytes(blockBytes)
	if err != nil {
		return err
	}
	if err := mutate(block); err != nil {
		return err
	}
	return block.Put(blockBytes)
}

// MutateSevMetadataOffsetBlock calls mutate on the parsed SEV metadata offset block of a firmware
// built by CleanExample and writes the result back.
func MutateSevMetadataOffsetBlock(firmware []byte, mutate func(*abi.MetadataOffset) error) error {
	blockBytes := metadataOffsetBytes(firmware)
	block, err := abi.MetadataOffsetFromBytes(blockBytes)
	if err != nil {
		return err
	}
	if err := mutate(block); err != nil {
		return err
	}
	return block.Put(blockBytes)
}

// MutateSevMetadata calls mutate on the parsed SEV metadata header at the start of a firmware
// built by CleanExample and writes the result back.
func MutateSevMetadata(firmware []byte, mutate func(*abi.SevMetadata) error) error {
	header, err := abi.SevMetadataFromBytes(firmware)
	if err != nil {
		return err
	}
	if err := mutate(header); err != nil {
		return err
	}
	return header.Put(firmware)
}

// ExampleWithSections returns a zeroed firmware of the given size with a marker, a SEV-ES reset
// block at SevEsAddrVal and the given SEV metadata sections.
func ExampleWithSections(t testing.TB, size int, sections []abi.SevMetadataSection) []byte {
	t.Helper()
	if size < 0x1000 {
		t.Fatalf("example size must be >= 0x1000")
	}
	firmware := make([]byte, size)
	copy(firmware[MarkerOffset:], []byte(Marker))
	if err := InitializeSevGUIDTable(firmware, abi.FwGUIDTableEndOffset, SevEsAddrVal, sections); err != nil {
		t.Fatalf("fakestage0.InitializeSevGUIDTable() errored unexpectedly: %v", err)
	}
	return firmware
}

// CleanExample returns an example Stage0 binary that contains the default metadata.
func CleanExample(t testing.TB, size int) []byte {
	t.Helper()
	return ExampleWithSections(t, size, DefaultSnpSections())
}
