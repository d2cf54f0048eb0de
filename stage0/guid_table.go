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

package stage0

import (
	"fmt"

	"github.com/google/snp-measurement/stage0/abi"
	"github.com/google/uuid"
)

// GUIDTable returns the firmware's embedded GUIDed table without its footer entry.
//
// The table ends with a footer entry FwGUIDTableEndOffset bytes before the end of the ROM. The
// footer's size covers the whole table, so the table is found by reading backwards from it.
func GUIDTable(firmware []byte) ([]byte, error) {
	footerOffsetFromEnd := abi.FwGUIDTableEndOffset + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return nil, fmt.Errorf("%w: firmware is too small: found size 0x%x < 0x%x", ErrFormat,
			len(firmware), footerOffsetFromEnd)
	}

	footerBytes := firmware[len(firmware)-footerOffsetFromEnd:]
	footer, err := abi.FwGUIDEntryFromBytes(footerBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	if footer.GUID != uuid.MustParse(abi.FwGUIDTableFooterGUID) {
		return nil, fmt.Errorf("%w: firmware image has no GUIDed table. Got footer %v, want %v", ErrFormat,
			footer.GUID, abi.FwGUIDTableFooterGUID)
	}

	if footer.Size < abi.SizeofFwGUIDEntry || len(firmware) < int(footer.Size)+abi.FwGUIDTableEndOffset {
		return nil, fmt.Errorf("%w: invalid GUIDed table size: found size %d fw_size: %d", ErrFormat,
			footer.Size, len(firmware))
	}

	tableContentsLength := int(footer.Size) - abi.SizeofFwGUIDEntry
	tableStartOffset := len(firmware) - abi.FwGUIDTableEndOffset - int(footer.Size)
	return firmware[tableStartOffset : tableStartOffset+tableContentsLength], nil
}

// GUIDBlocks returns a map of GUID to the slice of the firmware its GUIDed table block covers.
// Each block includes its own trailing FwGUIDEntry.
func GUIDBlocks(firmware []byte) (map[uuid.UUID][]byte, error) {
	table, err := GUIDTable(firmware)
	if err != nil {
		return nil, err
	}

	remaining := len(table)
	blocks := make(map[uuid.UUID][]byte)

	// Entries trail their blocks, so walk from the bottom up.
	for remaining > 0 {
		if remaining < abi.SizeofFwGUIDEntry {
			return nil, fmt.Errorf("%w: GUIDed table size unexpected, min exp size: %d remaining size: %d table length: %d",
				ErrFormat, abi.SizeofFwGUIDEntry, remaining, len(table))
		}

		entryPos := remaining - abi.SizeofFwGUIDEntry
		entry, err := abi.FwGUIDEntryFromBytes(table[entryPos:remaining])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		size := int(entry.Size)
		if remaining < size || size < abi.SizeofFwGUIDEntry {
			return nil, fmt.Errorf("%w: GUIDed table entries are corrupted, remaining size: %d, size found: %d, table length: %d",
				ErrFormat, remaining, size, len(table))
		}

		if _, ok := blocks[entry.GUID]; ok {
			return nil, fmt.Errorf("%w: duplicate GUIDs in the table, repeated GUID: %s", ErrFormat, entry.GUID)
		}
		blockStart := remaining - size
		blocks[entry.GUID] = table[blockStart:remaining]
		remaining -= size
	}

	return blocks, nil
}

// guidBlock returns the block for guid after checking that it has exactly the expected size.
func guidBlock(blocks map[uuid.UUID][]byte, guid string, blockSize int) ([]byte, error) {
	entry, ok := blocks[uuid.MustParse(guid)]
	if !ok {
		return nil, fmt.Errorf("%w: no matching block found for GUID: %s", ErrFormat, guid)
	}
	if len(entry) != blockSize {
		return nil, fmt.Errorf("%w: mismatch with GUID block size, GUID: %s expected %d found: %d",
			ErrFormat, guid, blockSize, len(entry))
	}
	return entry, nil
}
