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
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	cpb "github.com/google/go-sev-guest/proto/check"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/snp-measurement/sev"
	"github.com/google/snp-measurement/stage0"
	"github.com/google/snp-measurement/testing/fakestage0"
	"github.com/google/snp-measurement/testing/match"
	"github.com/google/snp-measurement/testing/storage"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
	"google.golang.org/protobuf/encoding/prototext"
)

const romPath = "stage0_bin"

type runResult struct {
	out  string
	diag string
	err  error
}

func newMock(t testing.TB) *storage.Mock {
	return storage.WithInitialContents(map[string][]byte{
		romPath: fakestage0.CleanExample(t, stage0.DefaultRomSize),
	})
}

func run(app *AppComponents, args ...string) *runResult {
	var out, diag bytes.Buffer
	app.Out = &out
	app.Err = &diag
	cmd := MakeRoot(context.Background(), app)
	cmd.SetArgs(args)
	cmd.SetOut(&diag)
	cmd.SetErr(&diag)
	err := cmd.Execute()
	return &runResult{out: out.String(), diag: diag.String(), err: err}
}

func wantMeasurement(t testing.TB, rom []byte, loadOpts *stage0.LoadOptions, opts *sev.LaunchOptions) sev.Measurement {
	t.Helper()
	img, err := stage0.FromBytes(rom, loadOpts)
	if err != nil {
		t.Fatal(err)
	}
	m, err := sev.LaunchDigest(opts, img)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRootFlags(t *testing.T) {
	tcs := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name: "happy path",
			args: []string{"--stage0_rom", romPath},
		},
		{
			name:    "output conflict",
			args:    []string{"--stage0_rom", romPath, "--verbose", "--quiet"},
			wantErr: "cannot specify both --quiet and --verbose",
		},
		{
			name:    "positional arguments",
			args:    []string{"--stage0_rom", romPath, "extra"},
			wantErr: `unknown command "extra" for "snpmeasure"`,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cmd := MakeRoot(context.Background(), &AppComponents{Storage: newMock(t)})
			// Validation still runs in PersistentPreRunE.
			cmd.RunE = func(c *cobra.Command, args []string) error { return nil }
			cmd.SetArgs(tc.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			if err := cmd.Execute(); !match.Error(err, tc.wantErr) {
				t.Fatalf("Execute() = %v, want error %q", err, tc.wantErr)
			}
		})
	}
}

func TestMeasureValidation(t *testing.T) {
	tcs := []struct {
		name    string
		args    []string
		wantErr []string
	}{
		{
			name:    "no rom",
			args:    []string{"--stage0_rom="},
			wantErr: []string{"--stage0_rom must not be empty"},
		},
		{
			name:    "zero vcpus",
			args:    []string{"--stage0_rom", romPath, "--vcpu_count=0"},
			wantErr: []string{"--vcpu_count must be at least 1, got 0"},
		},
		{
			name:    "unaligned rom size",
			args:    []string{"--stage0_rom", romPath, "--rom_size=4097"},
			wantErr: []string{"--rom_size must be a positive multiple of 0x1000, got 4097"},
		},
		{
			name:    "bad out form",
			args:    []string{"--stage0_rom", romPath, "--out_form=json"},
			wantErr: []string{`--out_form must be one of hex, textproto, got "json"`},
		},
		{
			name:    "base policy needs textproto",
			args:    []string{"--stage0_rom", romPath, "--base_policy=policy.txtpb"},
			wantErr: []string{"--base_policy requires --out_form=textproto"},
		},
		{
			name: "all errors reported",
			args: []string{"--stage0_rom=", "--vcpu_count=-1", "--rom_size=0"},
			wantErr: []string{
				"--stage0_rom must not be empty",
				"--vcpu_count must be at least 1, got -1",
				"--rom_size must be a positive multiple of 0x1000, got 0",
			},
		},
		{
			name:    "bad vmm type",
			args:    []string{"--stage0_rom", romPath, "--vmm_type=xen"},
			wantErr: []string{`unknown VMM type "xen", want one of qemu, gce`},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := run(&AppComponents{Storage: newMock(t)}, tc.args...)
			if got.err == nil {
				t.Fatalf("Execute() = nil, want errors %v", tc.wantErr)
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(got.err.Error(), want) {
					t.Errorf("Execute() = %v, want error containing %q", got.err, want)
				}
			}
			if got.out != "" {
				t.Errorf("Execute() wrote %q to stdout, want nothing", got.out)
			}
		})
	}
}

func TestMeasureHex(t *testing.T) {
	rom := fakestage0.CleanExample(t, stage0.DefaultRomSize)
	smallRom := fakestage0.CleanExample(t, 64*stage0.KiB)
	mock := func() *storage.Mock {
		return storage.WithInitialContents(map[string][]byte{romPath: rom, "small": smallRom})
	}
	tcs := []struct {
		name     string
		args     []string
		rom      []byte
		loadOpts *stage0.LoadOptions
		opts     *sev.LaunchOptions
	}{
		{
			name: "defaults",
			args: []string{"--stage0_rom", romPath},
			rom:  rom,
			opts: sev.LaunchOptionsDefault(),
		},
		{
			name:     "everything set",
			args:     []string{"--stage0_rom", romPath, "--legacy_boot", "--vcpu_count=4", "--product=Genoa", "--vmm_type=gce"},
			rom:      rom,
			loadOpts: &stage0.LoadOptions{LegacyBoot: true},
			opts:     &sev.LaunchOptions{Vcpus: 4, Product: sgpb.SevProduct_SEV_PRODUCT_GENOA, VMM: sev.VMMTypeGCE},
		},
		{
			name:     "small rom",
			args:     []string{"--stage0_rom", "small", "--rom_size=65536", "--vmm_type=KVM"},
			rom:      smallRom,
			loadOpts: &stage0.LoadOptions{RomSize: 64 * stage0.KiB},
			opts:     sev.LaunchOptionsDefault(),
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := run(&AppComponents{Storage: mock()}, tc.args...)
			if got.err != nil {
				t.Fatalf("Execute() = %v, want nil. Diagnostics: %s", got.err, got.diag)
			}
			want := wantMeasurement(t, tc.rom, tc.loadOpts, tc.opts).String() + "\n"
			if got.out != want {
				t.Errorf("Execute() printed %q, want %q", got.out, want)
			}
		})
	}
}

func TestMeasureQuietAndVerbose(t *testing.T) {
	want := wantMeasurement(t, fakestage0.CleanExample(t, stage0.DefaultRomSize), nil, nil).String() + "\n"

	quiet := run(&AppComponents{Storage: newMock(t)}, "--stage0_rom", romPath, "--quiet")
	if quiet.err != nil {
		t.Fatal(quiet.err)
	}
	if quiet.out != want || quiet.diag != "" {
		t.Errorf("--quiet printed (%q, %q), want (%q, \"\")", quiet.out, quiet.diag, want)
	}

	verbose := run(&AppComponents{Storage: newMock(t)}, "--stage0_rom", romPath, "--verbose")
	if verbose.err != nil {
		t.Fatal(verbose.err)
	}
	if verbose.out != want {
		t.Errorf("--verbose printed %q, want %q", verbose.out, want)
	}
	for _, line := range []string{
		"DEBUG: loading Stage 0 ROM from stage0_bin",
		"DEBUG: ROM: 0x200000 bytes at 0xffe00000",
		"DEBUG: AP reset vector: CS base 0xff000000, RIP 0x12f0",
		"DEBUG: measuring 1 vCPU(s)",
	} {
		if !strings.Contains(verbose.diag, line) {
			t.Errorf("--verbose diagnostics %q missing %q", verbose.diag, line)
		}
	}
}

func TestMeasureTextproto(t *testing.T) {
	m := wantMeasurement(t, fakestage0.CleanExample(t, stage0.DefaultRomSize), nil, nil)
	base := &cpb.Policy{MinimumGuestSvn: 3, Measurement: []byte{1, 2, 3}}
	baseText, err := prototext.Marshal(base)
	if err != nil {
		t.Fatal(err)
	}
	tcs := []struct {
		name     string
		args     []string
		want     *cpb.Policy
		wantWarn bool
	}{
		{
			name: "fresh policy",
			args: []string{"--stage0_rom", romPath, "--out_form=textproto"},
			want: &cpb.Policy{Measurement: m[:]},
		},
		{
			name:     "base policy",
			args:     []string{"--stage0_rom", romPath, "--out_form=textproto", "--base_policy=base.txtpb"},
			want:     &cpb.Policy{MinimumGuestSvn: 3, Measurement: m[:]},
			wantWarn: true,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			mock.Objects["base.txtpb"] = baseText
			got := run(&AppComponents{Storage: mock}, tc.args...)
			if got.err != nil {
				t.Fatal(got.err)
			}
			policy := &cpb.Policy{}
			if err := prototext.Unmarshal([]byte(got.out), policy); err != nil {
				t.Fatalf("output %q is not a check.Policy: %v", got.out, err)
			}
			if policy.GetMinimumGuestSvn() != tc.want.GetMinimumGuestSvn() {
				t.Errorf("minimum_guest_svn = %d, want %d", policy.GetMinimumGuestSvn(), tc.want.GetMinimumGuestSvn())
			}
			if diff := cmp.Diff(tc.want.GetMeasurement(), policy.GetMeasurement()); diff != "" {
				t.Errorf("measurement diff (-want +got): %s", diff)
			}
			if gotWarn := strings.Contains(got.diag, "WARNING: base policy measurement 010203 replaced"); gotWarn != tc.wantWarn {
				t.Errorf("diagnostics %q has replacement warning %v, want %v", got.diag, gotWarn, tc.wantWarn)
			}
		})
	}
}

func TestMeasureOut(t *testing.T) {
	mock := newMock(t)
	got := run(&AppComponents{Storage: mock}, "--stage0_rom", romPath, "--out=measurement.hex")
	if got.err != nil {
		t.Fatal(got.err)
	}
	m := wantMeasurement(t, mock.Objects[romPath], nil, nil)
	if want := m.String() + "\n"; string(mock.Objects["measurement.hex"]) != want {
		t.Errorf("measurement.hex = %q, want %q", mock.Objects["measurement.hex"], want)
	}
	if want := "Wrote attestation measurement " + m.String() + " to measurement.hex\n"; got.out != want {
		t.Errorf("Execute() printed %q, want %q", got.out, want)
	}
}

func TestMeasureErrors(t *testing.T) {
	errWrite := errors.New("disk full")
	tcs := []struct {
		name    string
		app     func(*storage.Mock) *AppComponents
		args    []string
		wantErr string
		wantIs  error
	}{
		{
			name:    "missing rom",
			args:    []string{"--stage0_rom", "missing"},
			wantErr: `file "missing" does not exist`,
			wantIs:  stage0.ErrIO,
		},
		{
			name:    "wrong rom size",
			args:    []string{"--stage0_rom", romPath, "--rom_size=4096"},
			wantErr: "firmware is 0x200000 bytes, want 0x1000",
			wantIs:  stage0.ErrUnexpectedSize,
		},
		{
			name:    "missing base policy",
			args:    []string{"--stage0_rom", romPath, "--out_form=textproto", "--base_policy=nope"},
			wantErr: `could not read base policy: file "nope" does not exist`,
		},
		{
			name:    "bad base policy",
			args:    []string{"--stage0_rom", romPath, "--out_form=textproto", "--base_policy=bad"},
			wantErr: `could not parse base policy "bad"`,
		},
		{
			name: "write failure",
			app: func(m *storage.Mock) *AppComponents {
				m.WriteErrs = map[string]error{"out": errWrite}
				return &AppComponents{Storage: m}
			},
			args:    []string{"--stage0_rom", romPath, "--out=out"},
			wantErr: `could not create file "out": disk full`,
			wantIs:  errWrite,
		},
		{
			name:    "no storage",
			app:     func(*storage.Mock) *AppComponents { return &AppComponents{} },
			args:    []string{"--stage0_rom", romPath},
			wantErr: "no storage client configured",
			wantIs:  errNoStorage,
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			mock.Objects["bad"] = []byte("not a policy {")
			app := &AppComponents{Storage: mock}
			if tc.app != nil {
				app = tc.app(mock)
			}
			got := run(app, tc.args...)
			if !match.Error(got.err, tc.wantErr) {
				t.Fatalf("Execute() = %v, want error %q", got.err, tc.wantErr)
			}
			if tc.wantIs != nil && !errors.Is(got.err, tc.wantIs) {
				t.Errorf("Execute() = %v, want error wrapping %v", got.err, tc.wantIs)
			}
		})
	}
}

func TestExecute(t *testing.T) {
	var out, diag bytes.Buffer
	cmd := MakeRoot(context.Background(), &AppComponents{Storage: newMock(t), Out: &out, Err: &diag})
	cmd.SetArgs([]string{"--stage0_rom", "missing"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if got := Execute(cmd); got != 1 {
		t.Errorf("Execute() = %d, want 1", got)
	}
	if want := "ERROR: "; !strings.HasPrefix(diag.String(), want) {
		t.Errorf("Execute() diagnostics %q, want prefix %q", diag.String(), want)
	}
	if out.Len() != 0 {
		t.Errorf("Execute() printed %q, want nothing", out.String())
	}

	cmd = MakeRoot(context.Background(), &AppComponents{Storage: newMock(t), Out: &out, Err: &diag})
	cmd.SetArgs([]string{"--stage0_rom", romPath})
	if got := Execute(cmd); got != 0 {
		t.Errorf("Execute() = %d, want 0", got)
	}
}

func TestAmdProductFlag(t *testing.T) {
	tcs := []struct {
		name    string
		args    []string
		want    sgpb.SevProduct_SevProductName
		wantErr string
	}{
		{name: "default", want: sgpb.SevProduct_SEV_PRODUCT_MILAN},
		{name: "genoa", args: []string{"--product=Genoa"}, want: sgpb.SevProduct_SEV_PRODUCT_GENOA},
		{name: "empty keeps default", args: []string{"--product="}, want: sgpb.SevProduct_SEV_PRODUCT_MILAN},
		{name: "unknown", args: []string{"--product=Rome"}, wantErr: "invalid argument \"Rome\" for \"--product\""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var v sgpb.SevProduct_SevProductName
			c := &cobra.Command{RunE: func(*cobra.Command, []string) error { return nil }}
			c.PersistentFlags().AddGoFlag(amdProductVar(&v, "product", sgpb.SevProduct_SEV_PRODUCT_MILAN, "usage"))
			c.SetArgs(tc.args)
			c.SetOut(&bytes.Buffer{})
			c.SetErr(&bytes.Buffer{})
			if err := c.Execute(); !match.Error(err, tc.wantErr) {
				t.Fatalf("Execute() = %v, want error %q", err, tc.wantErr)
			}
			if tc.wantErr == "" && v != tc.want {
				t.Errorf("--product = %v, want %v", v, tc.want)
			}
		})
	}
}

func TestVmmTypeFlag(t *testing.T) {
	for _, tc := range []struct {
		arg  string
		want sev.VMMType
	}{
		{arg: "qemu", want: sev.VMMTypeQEMU},
		{arg: "kvm", want: sev.VMMTypeQEMU},
		{arg: "GCE", want: sev.VMMTypeGCE},
	} {
		var v sev.VMMType
		f := vmmTypeVar(&v, "vmm_type", sev.VMMTypeGCE, "usage")
		if f.DefValue != "gce" {
			t.Errorf("vmm_type default = %q, want \"gce\"", f.DefValue)
		}
		if err := f.Value.Set(tc.arg); err != nil {
			t.Fatalf("Set(%q) = %v, want nil", tc.arg, err)
		}
		if v != tc.want {
			t.Errorf("Set(%q) gave %v, want %v", tc.arg, v, tc.want)
		}
		if got := f.Value.String(); got != tc.want.String() {
			t.Errorf("String() = %q, want %q", got, tc.want.String())
		}
	}
}
