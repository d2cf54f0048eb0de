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

package abi

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/snp-measurement/testing/match"
	"github.com/google/uuid"
)

// FwGUIDTable footer as it appears in a firmware binary.
var footerBytes = []byte{0xde, 0x82, 0xb5, 0x96, 0xb2, 0x1f, 0xf7, 0x45, 0xba, 0xea, 0xa3, 0x66, 0xc5, 0x5a, 0x08, 0x2d}

type putter interface {
	Put(b []byte) error
}

func TestEfiGuidParseRoundtrip(t *testing.T) {
	efiguid, err := parseEFIGUID(footerBytes)
	if err != nil {
		t.Fatal(err)
	}
	var got [16]byte
	if err := efiguid.Put(got[:]); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:], footerBytes) {
		t.Errorf("parseEFIGUID(%v).Put(%v) != %v", footerBytes, got, footerBytes)
	}
	wantErr := "incorrect data size for EFI GUID"
	if _, err := parseEFIGUID(nil); !match.Error(err, wantErr) {
		t.Errorf("parseEFIGUID(nil) = %v, want error %q", err, wantErr)
	}
}

func TestEfiGuidConversion(t *testing.T) {
	got, err := FromEFIGUID(footerBytes)
	if err != nil {
		t.Fatal(err)
	}
	want := uuid.MustParse(FwGUIDTableFooterGUID)
	if got != want {
		t.Errorf("FromEFIGUID(%v) = %v, want %v", footerBytes, got, want)
	}
	var back [16]byte
	if err := PutUUID(back[:], want); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back[:], footerBytes) {
		t.Errorf("PutUUID(_, %v) wrote %v, want %v", want, back, footerBytes)
	}
}

func TestPut(t *testing.T) {
	tcs := []struct {
		name    string
		dest    []byte
		p       putter
		want    []byte
		wantErr string
	}{
		{
			name: "metadata section",
			dest: make([]byte, SizeofSevMetadataSection),
			p:    &SevMetadataSection{Address: 0x0080_1000, Length: 0x2000, Kind: SevCpuidSection},
			want: []byte{
				0x00, 0x10, 0x80, 0x00, // Address
				0x00, 0x20, 0x00, 0x00, // Length
				0x03, 0x00, 0x00, 0x00, // Kind
			},
		},
		{
			name:    "metadata section too small",
			dest:    make([]byte, SizeofSevMetadataSection-1),
			p:       &SevMetadataSection{},
			wantErr: "data too small for SEV metadata section: 11 < 12",
		},
		{
			name: "metadata header",
			dest: make([]byte, SizeofSevMetadata),
			p:    &SevMetadata{Signature: SevSnpMetadataSignature, Length: 0x28, Version: 1, Sections: 2},
			want: []byte{'A', 'S', 'E', 'V', 0x28, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0},
		},
		{
			name:    "metadata header too small",
			dest:    make([]byte, 4),
			p:       &SevMetadata{},
			wantErr: "data too small for SEV metadata: 4 < 16",
		},
		{
			name: "reset block",
			dest: make([]byte, SizeofSevEsResetBlock),
			p: &SevEsResetBlock{
				Addr: 0xfffff000,
				Size: SizeofSevEsResetBlock,
				GUID: uuid.MustParse(FwGUIDTableFooterGUID),
			},
			want: append([]byte{0x00, 0xf0, 0xff, 0xff, 22, 0}, footerBytes...),
		},
		{
			name:    "reset block too small",
			dest:    make([]byte, 21),
			p:       &SevEsResetBlock{},
			wantErr: "unexpected SEV-ES reset block size 21 < 22",
		},
		{
			name: "guid entry",
			dest: make([]byte, SizeofFwGUIDEntry),
			p:    &FwGUIDEntry{Size: 0x1234, GUID: uuid.MustParse(FwGUIDTableFooterGUID)},
			want: append([]byte{0x34, 0x12}, footerBytes...),
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Put(tc.dest)
			if !match.Error(err, tc.wantErr) {
				t.Fatalf("%v.Put(_) = %v, want error %q", tc.p, err, tc.wantErr)
			}
			if tc.wantErr != "" {
				return
			}
			if diff := cmp.Diff(tc.want, tc.dest); diff != "" {
				t.Errorf("%v.Put(_) wrote unexpected bytes (-want +got): %s", tc.p, diff)
			}
		})
	}
}

func TestFromBytesRoundtrip(t *testing.T) {
	section := &SevMetadataSection{Address: 0x9000, Length: 0x1000, Kind: SevSecretSection}
	var sectionBytes [SizeofSevMetadataSection]byte
	if err := section.Put(sectionBytes[:]); err != nil {
		t.Fatal(err)
	}
	gotSection, err := SevMetadataSectionFromBytes(sectionBytes[:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(section, gotSection); diff != "" {
		t.Errorf("SevMetadataSectionFromBytes(%v) diff (-want +got): %s", sectionBytes, diff)
	}

	offset := &MetadataOffset{
		Offset:    0x1234,
		GUIDEntry: FwGUIDEntry{Size: SizeofMetadataOffset, GUID: uuid.MustParse(SevMetadataOffsetGUID)},
	}
	var offsetBytes [SizeofMetadataOffset]byte
	if err := offset.Put(offsetBytes[:]); err != nil {
		t.Fatal(err)
	}
	gotOffset, err := MetadataOffsetFromBytes(offsetBytes[:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(offset, gotOffset); diff != "" {
		t.Errorf("MetadataOffsetFromBytes(%v) diff (-want +got): %s", offsetBytes, diff)
	}

	wantErr := "unexpected SEV-ES reset block size 3, want: 22"
	if _, err := SevEsResetBlockFromBytes([]byte{1, 2, 3}); !match.Error(err, wantErr) {
		t.Errorf("SevEsResetBlockFromBytes([1 2 3]) = _, %v, want error %q", err, wantErr)
	}
	wantErr = "data too small for SEV metadata: 0 < 16"
	if _, err := SevMetadataFromBytes(nil); !match.Error(err, wantErr) {
		t.Errorf("SevMetadataFromBytes(nil) = _, %v, want error %q", err, wantErr)
	}
}

func TestSectionKind(t *testing.T) {
	for _, k := range []SevSectionKind{SevUnmeasuredSection, SevSecretSection, SevCpuidSection, SevSvsmCaaSection} {
		if !k.Known() {
			t.Errorf("%v.Known() = false, want true", k)
		}
	}
	unknown := SevSectionKind(0x10)
	if unknown.Known() {
		t.Errorf("%v.Known() = true, want false", unknown)
	}
	if got, want := unknown.String(), "[unknown SNP metadata section type: 0x10]"; got != want {
		t.Errorf("SevSectionKind(0x10).String() = %q, want %q", got, want)
	}
}
