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

package cmd

import (
	"bytes"
	"errors"
	"fmt"

	cpb "github.com/google/go-sev-guest/proto/check"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/snp-measurement/cmd/output"
	"github.com/google/snp-measurement/sev"
	"github.com/google/snp-measurement/stage0"
	"github.com/google/snp-measurement/stage0/abi"
	"github.com/google/snp-measurement/storage/ops"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/net/context"
	"google.golang.org/protobuf/encoding/prototext"
)

const (
	outFormHex       = "hex"
	outFormTextproto = "textproto"
)

var errNoStorage = errors.New("no storage client configured")

type measureCommand struct {
	app *AppComponents

	stage0Rom  string
	legacyBoot bool
	vcpus      int
	product    sgpb.SevProduct_SevProductName
	vmm        sev.VMMType
	romSize    int
	outForm    string
	out        string
	basePolicy string
}

func (c *measureCommand) addFlags(cmd *cobra.Command) {
	addStage0RomFlag(cmd, &c.stage0Rom)
	cmd.PersistentFlags().BoolVar(&c.legacyBoot, "legacy_boot", false,
		"Whether the firmware is shadowed below 1MiB to support legacy boot")
	cmd.PersistentFlags().IntVar(&c.vcpus, "vcpu_count", 1,
		"The number of vCPUs available to the VM at boot")
	cmd.PersistentFlags().AddGoFlag(amdProductVar(&c.product, "product", sgpb.SevProduct_SEV_PRODUCT_MILAN,
		"The AMD product line of the host, which decides the VMSA guest-physical address"))
	cmd.PersistentFlags().AddGoFlag(vmmTypeVar(&c.vmm, "vmm_type", sev.VMMTypeQEMU,
		"The hypervisor launching the VM. One of qemu, gce"))
	cmd.PersistentFlags().IntVar(&c.romSize, "rom_size", stage0.DefaultRomSize,
		"The exact size in bytes the Stage 0 ROM image must have")
	cmd.PersistentFlags().StringVar(&c.outForm, "out_form", outFormHex,
		"The output format of the measurement. One of hex, textproto. textproto renders a "+
			"go-sev-guest check.Policy")
	cmd.PersistentFlags().StringVar(&c.out, "out", "-",
		"Path to write the measurement to. - means stdout")
	cmd.PersistentFlags().StringVar(&c.basePolicy, "base_policy", "",
		"Path to a check.Policy textproto the measurement is written into. Requires --out_form=textproto")
}

func (c *measureCommand) validate() error {
	var err error
	if c.stage0Rom == "" {
		err = multierr.Append(err, errors.New("--stage0_rom must not be empty"))
	}
	if c.vcpus < 1 {
		err = multierr.Append(err, fmt.Errorf("--vcpu_count must be at least 1, got %d", c.vcpus))
	}
	if c.romSize <= 0 || c.romSize%abi.PageSize != 0 {
		err = multierr.Append(err, fmt.Errorf("--rom_size must be a positive multiple of 0x%x, got %d",
			abi.PageSize, c.romSize))
	}
	if !sev.KnownProduct(c.product) {
		err = multierr.Append(err, fmt.Errorf("--product %v is not supported", c.product))
	}
	switch c.outForm {
	case outFormHex, outFormTextproto:
	default:
		err = multierr.Append(err, fmt.Errorf("--out_form must be one of %s, %s, got %q",
			outFormHex, outFormTextproto, c.outForm))
	}
	if c.basePolicy != "" && c.outForm != outFormTextproto {
		err = multierr.Append(err, fmt.Errorf("--base_policy requires --out_form=%s", outFormTextproto))
	}
	return err
}

func (c *measureCommand) loadOptions() *stage0.LoadOptions {
	return &stage0.LoadOptions{LegacyBoot: c.legacyBoot, RomSize: c.romSize}
}

func (c *measureCommand) launchOptions() *sev.LaunchOptions {
	return &sev.LaunchOptions{Vcpus: c.vcpus, Product: c.product, VMM: c.vmm}
}

func describeImage(ctx context.Context, img *stage0.Image) {
	output.Debugf(ctx, "ROM: 0x%x bytes at 0x%x", len(img.ROM()), img.ROMAddress())
	if shadow := img.LegacyShadow(); shadow != nil {
		output.Debugf(ctx, "legacy boot shadow: 0x%x bytes at 0x%x", len(shadow), img.LegacyShadowAddress())
	}
	for _, page := range img.SpecialPages() {
		output.Debugf(ctx, "%v: %d pages at 0x%x", page.Kind, page.PageCount, page.Address)
	}
	rv := img.ResetVector()
	output.Debugf(ctx, "AP reset vector: CS base 0x%x, RIP 0x%x", rv.CSBase, rv.RIP)
}

func (c *measureCommand) policy(ctx context.Context, m sev.Measurement) (*cpb.Policy, error) {
	policy := &cpb.Policy{}
	if c.basePolicy != "" {
		contents, err := ops.ReadFile(ctx, c.app.Storage, c.basePolicy)
		if err != nil {
			return nil, fmt.Errorf("could not read base policy: %v", err)
		}
		if err := prototext.Unmarshal(contents, policy); err != nil {
			return nil, fmt.Errorf("could not parse base policy %q: %v", c.basePolicy, err)
		}
		if len(policy.GetMeasurement()) != 0 && !bytes.Equal(policy.GetMeasurement(), m[:]) {
			output.Warningf(ctx, "base policy measurement %x replaced with %s", policy.GetMeasurement(), m)
		}
	}
	policy.Measurement = m[:]
	return policy, nil
}

func (c *measureCommand) render(ctx context.Context, m sev.Measurement) ([]byte, error) {
	if c.outForm == outFormHex {
		return []byte(m.String()), nil
	}
	policy, err := c.policy(ctx, m)
	if err != nil {
		return nil, err
	}
	text, err := prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("could not marshal policy as textproto: %v", err)
	}
	return bytes.TrimRight(text, "\n"), nil
}

func (c *measureCommand) runE(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if c.app.Storage == nil {
		return errNoStorage
	}
	output.Debugf(ctx, "loading Stage 0 ROM from %s", c.stage0Rom)
	img, err := stage0.Load(ctx, c.app.Storage, c.stage0Rom, c.loadOptions())
	if err != nil {
		return err
	}
	describeImage(ctx, img)

	opts := c.launchOptions()
	output.Debugf(ctx, "measuring %d vCPU(s) for %v under %v", opts.Vcpus, opts.Product, opts.VMM)
	m, err := sev.LaunchDigest(opts, img)
	if err != nil {
		return fmt.Errorf("could not compute launch measurement: %w", err)
	}
	content, err := c.render(ctx, m)
	if err != nil {
		return err
	}
	if c.out == "-" {
		_, err := output.Resultf(ctx, "%s", content)
		return err
	}
	if err := ops.WriteFile(ctx, c.app.Storage, c.out, append(content, '\n')); err != nil {
		return err
	}
	output.Infof(ctx, "Wrote attestation measurement %s to %s", m, c.out)
	return nil
}
