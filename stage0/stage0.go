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

// Package stage0 parses Stage0 firmware ROM images for the values that affect an SEV-SNP launch
// measurement.
package stage0

import (
	"errors"
	"fmt"

	"github.com/google/snp-measurement/stage0/abi"
	"github.com/google/snp-measurement/storage/ops"
	"github.com/google/snp-measurement/storage/storagei"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"golang.org/x/net/context"
)

const (
	// KiB is 2^10 bytes.
	KiB = 1024
	// MiB is 2^20 bytes.
	MiB = 1024 * KiB
	// GiB is 2^30 bytes.
	GiB = 1024 * MiB

	// RomTop is the guest-physical address the firmware ROM ends at.
	RomTop = 4 * GiB
	// DefaultRomSize is the size every Stage0 ROM image is padded to.
	DefaultRomSize = 2 * MiB

	// LegacyShadowTop is where the legacy BIOS area ends. During legacy boot the tail of the ROM
	// is also visible directly below it.
	LegacyShadowTop = 1 * MiB
	// MaxLegacyShadowSize is the size of the legacy BIOS area, 0xE0000 to 0xFFFFF.
	MaxLegacyShadowSize = 128 * KiB
)

var (
	// ErrIO is returned when the firmware image cannot be read.
	ErrIO = errors.New("could not read firmware image")
	// ErrFormat is returned when the firmware image content is malformed.
	ErrFormat = errors.New("malformed firmware image")
	// ErrUnexpectedSize is returned when the firmware image is not the expected size. It is also
	// an ErrFormat.
	ErrUnexpectedSize = fmt.Errorf("%w: unexpected size", ErrFormat)
)

// LoadOptions controls how a ROM image is interpreted.
type LoadOptions struct {
	// LegacyBoot exposes the ROM a second time below 1MiB, as a legacy multiprocessor boot sees it.
	LegacyBoot bool
	// RomSize is the exact size in bytes the ROM image must have. Zero means DefaultRomSize.
	RomSize int
}

func (o *LoadOptions) romSize() int {
	if o == nil || o.RomSize == 0 {
		return DefaultRomSize
	}
	return o.RomSize
}

func (o *LoadOptions) legacyBoot() bool {
	return o != nil && o.LegacyBoot
}

// SpecialPage is a run of pages the firmware asks the VMM to set up without measured content.
type SpecialPage struct {
	Kind      abi.SevSectionKind
	Address   uint64
	PageCount uint32
}

// End returns the first guest-physical address after the run.
func (p SpecialPage) End() uint64 {
	return p.Address + uint64(p.PageCount)*abi.PageSize
}

// ResetVector is where application processors begin executing after the startup signal.
type ResetVector struct {
	// CSBase is the code segment base.
	CSBase uint64
	// RIP is the instruction pointer relative to CSBase.
	RIP uint64
}

// ResetVectorFromBlock splits the SEV-ES reset block's address into a 16-bit real mode code
// segment base and instruction pointer.
func ResetVectorFromBlock(block *abi.SevEsResetBlock) ResetVector {
	return ResetVector{
		CSBase: uint64(block.Addr) & 0xffff0000,
		RIP:    uint64(block.Addr) & 0x0000ffff,
	}
}

// Image is a loaded Stage0 firmware ROM. It is not modified after construction.
type Image struct {
	rom                 []byte
	romAddress          uint64
	legacyShadow        []byte
	legacyShadowAddress uint64
	pages               []SpecialPage
	resetVector         ResetVector
}

// ROM returns the firmware ROM contents.
func (i *Image) ROM() []byte { return i.rom }

// ROMAddress returns the guest-physical address the ROM is mapped at.
func (i *Image) ROMAddress() uint64 { return i.romAddress }

// LegacyShadow returns the ROM content mapped below 1MiB for legacy boot, or nil when the image
// was loaded without legacy boot.
func (i *Image) LegacyShadow() []byte { return i.legacyShadow }

// LegacyShadowAddress returns the guest-physical address of LegacyShadow.
func (i *Image) LegacyShadowAddress() uint64 { return i.legacyShadowAddress }

// SpecialPages returns the firmware's special page runs in table order.
func (i *Image) SpecialPages() []SpecialPage { return slices.Clone(i.pages) }

// ResetVector returns the application processor entry point.
func (i *Image) ResetVector() ResetVector { return i.resetVector }

// NewImage assembles an Image from a ROM and values already extracted from it. The ROM must have
// the size given in opts. NewImage copies rom and pages.
func NewImage(rom []byte, opts *LoadOptions, pages []SpecialPage, rv ResetVector) (*Image, error) {
	size := opts.romSize()
	if size <= 0 || size%abi.PageSize != 0 || uint64(size) > RomTop {
		return nil, fmt.Errorf("expected ROM size must be a positive multiple of 0x%x no larger than 0x%x, got 0x%x",
			abi.PageSize, uint64(RomTop), size)
	}
	if len(rom) != size {
		return nil, fmt.Errorf("%w: firmware is 0x%x bytes, want 0x%x", ErrUnexpectedSize, len(rom), size)
	}
	for _, p := range pages {
		if err := checkPage(p); err != nil {
			return nil, err
		}
	}
	romCopy := slices.Clone(rom)
	img := &Image{
		rom:         romCopy,
		romAddress:  RomTop - uint64(len(rom)),
		pages:       slices.Clone(pages),
		resetVector: rv,
	}
	if opts.legacyBoot() {
		shadowSize := min(len(romCopy), MaxLegacyShadowSize)
		img.legacyShadow = romCopy[len(romCopy)-shadowSize:]
		img.legacyShadowAddress = uint64(LegacyShadowTop - shadowSize)
	}
	return img, nil
}

func checkPage(p SpecialPage) error {
	if !p.Kind.Known() {
		return fmt.Errorf("%w: special page run at 0x%x has kind %v", ErrFormat, p.Address, p.Kind)
	}
	if p.Address%abi.PageSize != 0 {
		return fmt.Errorf("%w: %v run address 0x%x is not aligned to 0x%x", ErrFormat, p.Kind, p.Address, abi.PageSize)
	}
	if p.PageCount == 0 {
		return fmt.Errorf("%w: %v run at 0x%x is empty", ErrFormat, p.Kind, p.Address)
	}
	return nil
}

// FromBytes parses a Stage0 ROM image.
func FromBytes(rom []byte, opts *LoadOptions) (*Image, error) {
	if len(rom) != opts.romSize() {
		return nil, fmt.Errorf("%w: firmware is 0x%x bytes, want 0x%x", ErrUnexpectedSize, len(rom), opts.romSize())
	}
	blocks, err := GUIDBlocks(rom)
	if err != nil {
		return nil, fmt.Errorf("could not get GUID table from firmware: %w", err)
	}
	block, err := extractSevEsResetBlock(blocks)
	if err != nil {
		return nil, fmt.Errorf("could not extract SEV-ES reset block: %w", err)
	}
	sections, err := extractSevMetadata(blocks, rom)
	if err != nil {
		return nil, fmt.Errorf("could not extract SEV metadata: %w", err)
	}
	if err := validateSections(sections); err != nil {
		return nil, err
	}
	pages := make([]SpecialPage, len(sections))
	for i, s := range sections {
		pages[i] = SpecialPage{
			Kind:      s.Kind,
			Address:   uint64(s.Address),
			PageCount: s.Length / abi.PageSize,
		}
	}
	return NewImage(rom, opts, pages, ResetVectorFromBlock(block))
}

// Load reads the ROM at path through client and parses it.
func Load(ctx context.Context, client storagei.Client, path string, opts *LoadOptions) (*Image, error) {
	rom, err := ops.ReadFile(ctx, client, path)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrIO, path, err)
	}
	img, err := FromBytes(rom, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func extractSevEsResetBlock(blocks map[uuid.UUID][]byte) (*abi.SevEsResetBlock, error) {
	guidBlock, err := guidBlock(blocks, abi.SevEsResetBlockGUID, abi.SizeofSevEsResetBlock)
	if err != nil {
		return nil, err
	}
	block, err := abi.SevEsResetBlockFromBytes(guidBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return block, nil
}

func extractSevMetadata(blocks map[uuid.UUID][]byte, firmware []byte) ([]abi.SevMetadataSection, error) {
	guidBlock, err := guidBlock(blocks, abi.SevMetadataOffsetGUID, abi.SizeofMetadataOffset)
	if err != nil {
		return nil, err
	}
	metadataOffset, err := abi.MetadataOffsetFromBytes(guidBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	offset := int(metadataOffset.Offset)
	if offset < abi.SizeofSevMetadata || len(firmware) < offset {
		return nil, fmt.Errorf("%w: SEV metadata offset 0x%x out of range for firmware size 0x%x", ErrFormat,
			offset, len(firmware))
	}
	metadataStart := len(firmware) - offset
	header, err := abi.SevMetadataFromBytes(firmware[metadataStart:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if header.Signature != abi.SevSnpMetadataSignature {
		return nil, fmt.Errorf("%w: the signature of the SEV metadata is incorrect: 0x%x", ErrFormat, header.Signature)
	}

	// Length and Sections are redundant, so check them against each other.
	wantLength := uint64(header.Sections)*abi.SizeofSevMetadataSection + abi.SizeofSevMetadata
	if uint64(header.Length) != wantLength {
		return nil, fmt.Errorf("%w: mismatch between SEV metadata length: %d and section count: %d", ErrFormat,
			header.Length, header.Sections)
	}
	if uint64(offset) < wantLength {
		return nil, fmt.Errorf("%w: SEV metadata offset is not large enough to contain the metadata: %d < %d",
			ErrFormat, offset, wantLength)
	}

	sections := make([]abi.SevMetadataSection, 0, header.Sections)
	next := metadataStart + abi.SizeofSevMetadata
	for i := uint32(0); i < header.Sections; i++ {
		// Errors are unreachable given the length check above.
		section, _ := abi.SevMetadataSectionFromBytes(firmware[next : next+abi.SizeofSevMetadataSection])
		sections = append(sections, *section)
		next += abi.SizeofSevMetadataSection
	}
	return sections, nil
}

func validateSections(sections []abi.SevMetadataSection) error {
	type span struct {
		start, end uint64
		kind       abi.SevSectionKind
	}
	seen := make(map[abi.SevSectionKind]uint32)
	spans := make([]span, len(sections))
	for i, section := range sections {
		if !section.Kind.Known() {
			return fmt.Errorf("%w: SEV metadata section %d at address 0x%x has type %v", ErrFormat, i,
				section.Address, section.Kind)
		}
		// There is architecturally nothing stopping a second CPUID page, but Stage0 only ever
		// consumes one and a second secrets page cannot be populated.
		if prev, ok := seen[section.Kind]; ok &&
			(section.Kind == abi.SevSecretSection || section.Kind == abi.SevCpuidSection) {
			return fmt.Errorf(
				"%w: expected only 1 section of type %v. Previous section at address 0x%x conflicts with extra section at address 0x%x",
				ErrFormat, section.Kind, prev, section.Address)
		}
		seen[section.Kind] = section.Address

		if section.Address%abi.PageSize != 0 {
			return fmt.Errorf("%w: section %v address is not 4K page aligned: 0x%x", ErrFormat, section.Kind,
				section.Address)
		}
		if section.Length%abi.PageSize != 0 || section.Length == 0 {
			return fmt.Errorf("%w: section %v has length that's not a positive multiple of a 4K page size: 0x%x",
				ErrFormat, section.Kind, section.Length)
		}
		end := uint64(section.Address) + uint64(section.Length)
		if end > RomTop {
			return fmt.Errorf("%w: section %v [0x%x-0x%x] extends beyond 4GiB", ErrFormat, section.Kind,
				section.Address, end)
		}
		spans[i] = span{start: uint64(section.Address), end: end, kind: section.Kind}
	}

	slices.SortFunc(spans, func(a, b span) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		}
		return 0
	})
	for i := 0; i+1 < len(spans); i++ {
		if spans[i].end > spans[i+1].start {
			return fmt.Errorf("%w: SEV section %v: [0x%x-0x%x] overlaps with %v: [0x%x-0x%x]", ErrFormat,
				spans[i].kind, spans[i].start, spans[i].end, spans[i+1].kind, spans[i+1].start, spans[i+1].end)
		}
	}
	return nil
}
