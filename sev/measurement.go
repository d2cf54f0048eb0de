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

// Package sev implements SEV-SNP launch measurement reconstruction for a Stage0 firmware image.
package sev

import (
	"crypto/sha512"
	"encoding/hex"

	"github.com/google/go-sev-guest/abi"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/pkg/errors"
)

// PageSize is the granularity of every measured page.
const PageSize = 0x1000

var (
	// ErrInvalidArgument is returned when a page cannot be measured as requested. The measurement
	// is left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrFinished is returned when a measurement is extended after Finish.
	ErrFinished = errors.New("measurement already finished")
)

var bitWidth = map[sgpb.SevProduct_SevProductName]int{
	sgpb.SevProduct_SEV_PRODUCT_MILAN: 48,
	sgpb.SevProduct_SEV_PRODUCT_GENOA: 52,
}

// KnownProduct returns whether the guest physical address width of product is known.
func KnownProduct(product sgpb.SevProduct_SevProductName) bool {
	_, ok := bitWidth[product]
	return ok
}

// ProductHighAddress returns the highest GPA allowed for a PAGE_INFO on a given product.
// According to the SEV-SNP API documentation SNP_LAUNCH_UPDATE Actions section,
//
// "the guest physical address space is limited according to CPUID Fn80000008_EAX and
// thus the GPAs used by the firmware in measurement calculation are equally limited. Hypervisors
// should not attempt to map pages outside of this limit."
//
// The address is also truncated to be page-aligned. Unknown products have no addressable pages.
func ProductHighAddress(product sgpb.SevProduct_SevProductName) uint64 {
	width, ok := bitWidth[product]
	if !ok {
		return 0
	}
	return ((uint64(1) << width) - 1) & ^uint64(PageSize-1)
}

// Measurement is the 48-byte SEV-SNP launch MEASUREMENT.
type Measurement [abi.MeasurementSize]byte

// String returns the measurement as lowercase hex.
func (m Measurement) String() string {
	return hex.EncodeToString(m[:])
}

// SnpMeasurement accumulates the expected MEASUREMENT field of an SEV-SNP ATTESTATION_REPORT one
// page at a time, in launch order.
type SnpMeasurement struct {
	digest   Measurement
	product  sgpb.SevProduct_SevProductName
	finished bool
}

// NewSnpMeasurement returns a measurement with the all-zero initial digest.
func NewSnpMeasurement(product sgpb.SevProduct_SevProductName) (*SnpMeasurement, error) {
	if !KnownProduct(product) {
		return nil, errors.Wrapf(ErrInvalidArgument, "unsupported product %v", product)
	}
	return &SnpMeasurement{product: product}, nil
}

func infoWithoutContents(digestCur []byte, gpa uint64, pageType PageType) PageInfo {
	var info PageInfo
	copy(info.digestCur[:], digestCur)
	info.length = SizeofPageInfo
	info.pageType = pageType
	info.gpa = gpa
	return info
}

func putPageInfoDigest(info *PageInfo, out []byte) error {
	b, err := info.Bytes()
	if err != nil {
		return err
	}
	digestNew := sha512.Sum384(b)
	copy(out, digestNew[:])
	return nil
}

func (m *SnpMeasurement) checkPageType(pageType PageType, wantContents bool) error {
	measured, known := pageType.measuresContents()
	if !known {
		return errors.Wrapf(ErrInvalidArgument, "unknown page type %v", pageType)
	}
	if measured && !wantContents {
		return errors.Wrapf(ErrInvalidArgument, "update for page type %v needs data contents", pageType)
	}
	if !measured && wantContents {
		return errors.Wrapf(ErrInvalidArgument, "page type %v must not have its contents measured", pageType)
	}
	return nil
}

// checkUpdate returns an error if the measurement cannot be extended with the given span of
// guest memory. It never changes the measurement.
func (m *SnpMeasurement) checkUpdate(gpa uint64, length uint64, pageType PageType, wantContents bool) error {
	if m.finished {
		return ErrFinished
	}
	if err := m.checkPageType(pageType, wantContents); err != nil {
		return err
	}
	if gpa%PageSize != 0 {
		return errors.Wrapf(ErrInvalidArgument, "guest data must be aligned on 0x%x bytes. Got address 0x%x",
			PageSize, gpa)
	}
	if length%PageSize != 0 {
		return errors.Wrapf(ErrInvalidArgument, "guest data must be a multiple of 0x%x bytes. Given data is size: 0x%x",
			PageSize, length)
	}
	// The high address is the start of the last page, so the span may end one page past it.
	limit := ProductHighAddress(m.product) + PageSize
	if gpa >= limit || length > limit-gpa {
		return errors.Wrapf(ErrInvalidArgument, "address range is larger than the product can represent: [0x%x, 0x%x+0x%x)",
			gpa, gpa, length)
	}
	return nil
}

func (m *SnpMeasurement) update4K(gpa uint64, data []byte, pageType PageType) error {
	info := infoWithoutContents(m.digest[:], gpa, pageType)
	contents := sha512.Sum384(data)
	copy(info.contents[:], contents[:])
	return putPageInfoDigest(&info, m.digest[:])
}

func (m *SnpMeasurement) zeroContentUpdate4K(gpa uint64, pageType PageType) error {
	info := infoWithoutContents(m.digest[:], gpa, pageType)
	return putPageInfoDigest(&info, m.digest[:])
}

// Update4K extends an SnpMeasurement with a 4K page of data with a page type that measures the
// page contents.
func (m *SnpMeasurement) Update4K(gpa uint64, data []byte, pageType PageType) error {
	if len(data) != PageSize {
		return errors.Wrapf(ErrInvalidArgument, "page data is 0x%x bytes, want 0x%x", len(data), PageSize)
	}
	return m.Update(gpa, data, pageType)
}

// Update extends an SnpMeasurement with consecutive pages of data, ascending from gpa, with a page
// type that measures the page contents.
func (m *SnpMeasurement) Update(gpa uint64, data []byte, pageType PageType) error {
	if err := m.checkUpdate(gpa, uint64(len(data)), pageType, true); err != nil {
		return err
	}
	for page4k := uint64(0); page4k < uint64(len(data)); page4k += PageSize {
		if err := m.update4K(gpa+page4k, data[page4k:page4k+PageSize], pageType); err != nil {
			return err
		}
	}
	return nil
}

// ZeroContentUpdate4K extends an SnpMeasurement with a 4K page of a page type that requires the
// Contents component of its PAGE_INFO to be all zeroes.
func (m *SnpMeasurement) ZeroContentUpdate4K(gpa uint64, pageType PageType) error {
	return m.ZeroContentUpdate(gpa, PageSize, pageType)
}

// ZeroContentUpdate extends an SnpMeasurement with size bytes of consecutive pages of a page type
// that requires the Contents component of its PAGE_INFO to be all zeroes.
func (m *SnpMeasurement) ZeroContentUpdate(gpa uint64, size uint64, pageType PageType) error {
	if err := m.checkUpdate(gpa, size, pageType, false); err != nil {
		return err
	}
	for page4k := uint64(0); page4k < size; page4k += PageSize {
		if err := m.zeroContentUpdate4K(gpa+page4k, pageType); err != nil {
			return err
		}
	}
	return nil
}

// UpdateVmsa extends an SnpMeasurement with the VMSA page of a virtual CPU placed at gpa.
func (m *SnpMeasurement) UpdateVmsa(v *VmcbSaveArea, gpa uint64) error {
	page := make([]byte, PageSize)
	if err := PutVmsa(v, page); err != nil {
		return errors.Wrapf(ErrInvalidArgument, "could not serialize VMSA: %v", err)
	}
	return m.Update(gpa, page, PageTypeVmsa)
}

// Finish ends the measurement and returns its final value. Further updates return ErrFinished.
func (m *SnpMeasurement) Finish() Measurement {
	m.finished = true
	return m.digest
}
