package crypt

import (
	"testing"
)

func TestTargetLine(t *testing.T) {
	cases := []struct {
		name  string
		table Table
		key   Key
		dev   string
		want  string
	}{
		{
			name: "raw key aes-cbc-plain",
			table: Table{
				Start:  0,
				Length: 2048,
				Params: &Params{Cipher: AES, BlockMode: CBC, IVMode: Plain},
			},
			key:  RawKey{0x00, 0x01, 0x02, 0xff},
			dev:  "/dev/vda1",
			want: "aes-cbc-plain 000102ff 0 /dev/vda1 0",
		},
		{
			name: "hex key twofish-xts-plain64 with offsets",
			table: Table{
				Start:  0,
				Length: 4096,
				Params: &Params{Cipher: Twofish, BlockMode: XTS, IVMode: Plain64, IVOffset: 8},
				Offset: 16,
			},
			key:  HexKey("deadbeef"),
			dev:  "/dev/vda2",
			want: "twofish-xts-plain64 deadbeef 8 /dev/vda2 16",
		},
		{
			name: "essiv and keyring key",
			table: Table{
				Start:  0,
				Length: 1,
				Params: &Params{Cipher: Serpent, BlockMode: CBC, IVMode: ESSIV("sha256")},
			},
			key:  KeyringKey{Size: 32, Type: KeyTypeLogon, Desc: "realm:main"},
			dev:  "/dev/dm-3",
			want: "serpent-cbc-essiv:sha256 :32:logon:realm:main 0 /dev/dm-3 0",
		},
		{
			name: "additional options",
			table: Table{
				Start:  0,
				Length: 512,
				Params: &Params{
					Cipher:            AES,
					BlockMode:         XTS,
					IVMode:            Plain64,
					AdditionalOptions: []string{"allow_discards", "no_read_workqueue"},
				},
			},
			key:  HexKey("00"),
			dev:  "/dev/vda1",
			want: "aes-xts-plain64 00 0 /dev/vda1 0 2 allow_discards no_read_workqueue",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.table.TargetLine(tc.key, tc.dev)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("TargetLine:\n got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestRawKeyLowercaseHex(t *testing.T) {
	key := RawKey{0xAB, 0xCD, 0xEF}
	if got := key.String(); got != "abcdef" {
		t.Errorf("RawKey.String() = %q, want abcdef", got)
	}
}

func TestParamsValidate(t *testing.T) {
	bad := []Params{
		{Cipher: "des", BlockMode: CBC, IVMode: Plain},
		{Cipher: AES, BlockMode: "ecb", IVMode: Plain},
		{Cipher: AES, BlockMode: CBC, IVMode: "random"},
		{Cipher: AES, BlockMode: CBC, IVMode: "essiv:"},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", p)
		}
	}
	good := []Params{
		{Cipher: AES, BlockMode: CBC, IVMode: Plain},
		{Cipher: Serpent, BlockMode: XTS, IVMode: ESSIV("sha512")},
	}
	for _, p := range good {
		if err := p.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", p, err)
		}
	}
}

func TestTargetLineMissingDevice(t *testing.T) {
	table := Table{Params: &Params{Cipher: AES, BlockMode: CBC, IVMode: Plain}}
	if _, err := table.TargetLine(HexKey("00"), ""); err == nil {
		t.Error("expected error for empty device path")
	}
}
