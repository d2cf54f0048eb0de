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

	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/snp-measurement/stage0"
	"github.com/google/snp-measurement/stage0/abi"
	"github.com/pkg/errors"
)

// LaunchOptions represents the expected measurement-impacting configurable features of a VM launch.
type LaunchOptions struct {
	// Vcpus is the number of VCPUs measured at launch. For images that use SEV-SNP's AP boot
	// protocol, this should be 1.
	Vcpus   int
	Product sgpb.SevProduct_SevProductName
	VMM     VMMType
}

// LaunchOptionsDefault returns a default object of LaunchOptions (Vcpus == 1, Milan, QEMU).
func LaunchOptionsDefault() *LaunchOptions {
	return &LaunchOptions{Vcpus: 1, Product: sgpb.SevProduct_SEV_PRODUCT_MILAN, VMM: VMMTypeQEMU}
}

// SpecialPageType returns the PAGE_INFO page type the AMD-SP uses for a special page of the given
// kind.
func SpecialPageType(kind abi.SevSectionKind) (PageType, error) {
	switch kind {
	case abi.SevUnmeasuredSection:
		return PageTypeUnmeasured, nil
	case abi.SevSecretSection:
		return PageTypeSecret, nil
	case abi.SevCpuidSection:
		return PageTypeCpuid, nil
	case abi.SevSvsmCaaSection:
		return PageTypeZero, nil
	default:
		return 0, fmt.Errorf("unknown special page section type: %v", kind)
	}
}

func measureFirmware(measurement *SnpMeasurement, img *stage0.Image) error {
	if err := measurement.Update(img.ROMAddress(), img.ROM(), PageTypeNormal); err != nil {
		return fmt.Errorf("could not measure firmware ROM: %w", err)
	}
	if shadow := img.LegacyShadow(); shadow != nil {
		if err := measurement.Update(img.LegacyShadowAddress(), shadow, PageTypeNormal); err != nil {
			return fmt.Errorf("could not measure legacy boot shadow: %w", err)
		}
	}
	return nil
}

func measureSpecialPages(measurement *SnpMeasurement, img *stage0.Image) error {
	for _, page := range img.SpecialPages() {
		pageType, err := SpecialPageType(page.Kind)
		if err != nil {
			return errors.Wrap(ErrInvalidArgument, err.Error())
		}
		if err := measurement.ZeroContentUpdate(page.Address, uint64(page.PageCount)*PageSize, pageType); err != nil {
			return fmt.Errorf("could not measure %v pages at 0x%x: %w", page.Kind, page.Address, err)
		}
	}
	return nil
}

func measureVmsas(measurement *SnpMeasurement, img *stage0.Image, opts *LaunchOptions) error {
	// KVM measures every VMSA with a GPA of -1. That gets truncated according to the CPUID
	// addressability and page alignment as calculated by ProductHighAddress.
	gpa := ProductHighAddress(opts.Product)
	boot, err := BootVmsa(opts.VMM)
	if err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if err := measurement.UpdateVmsa(boot, gpa); err != nil {
		return fmt.Errorf("could not measure the boot VMSA: %w", err)
	}
	if opts.Vcpus == 1 {
		return nil
	}
	ap, err := ApVmsa(opts.VMM, img.ResetVector())
	if err != nil {
		return errors.Wrap(ErrInvalidArgument, err.Error())
	}
	for i := 1; i < opts.Vcpus; i++ {
		if err := measurement.UpdateVmsa(ap, gpa); err != nil {
			return fmt.Errorf("could not measure the VMSA of vCPU %d: %w", i, err)
		}
	}
	return nil
}

// LaunchDigest computes the SEV-SNP expected MEASUREMENT of a VM launched from a Stage0 image with
// the given options. A nil opts means LaunchOptionsDefault().
func LaunchDigest(opts *LaunchOptions, img *stage0.Image) (Measurement, error) {
	if opts == nil {
		opts = LaunchOptionsDefault()
	}
	if opts.Vcpus < 1 {
		return Measurement{}, errors.Wrapf(ErrInvalidArgument, "vcpus at launch is %d. Want at least 1", opts.Vcpus)
	}
	if img == nil {
		return Measurement{}, errors.Wrap(ErrInvalidArgument, "no firmware image")
	}
	measurement, err := NewSnpMeasurement(opts.Product)
	if err != nil {
		return Measurement{}, err
	}
	if err := measureFirmware(measurement, img); err != nil {
		return Measurement{}, err
	}
	if err := measureSpecialPages(measurement, img); err != nil {
		return Measurement{}, err
	}
	if err := measureVmsas(measurement, img, opts); err != nil {
		return Measurement{}, err
	}
	return measurement.Finish(), nil
}
