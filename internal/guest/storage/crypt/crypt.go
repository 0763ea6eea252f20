// Package crypt composes dm-crypt target tables and binds them to
// device-mapper devices.
package crypt

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Cipher selects the block cipher of a crypt target.
type Cipher string

const (
	AES     Cipher = "aes"
	Twofish Cipher = "twofish"
	Serpent Cipher = "serpent"
)

// BlockMode selects the cipher chaining mode.
type BlockMode string

const (
	CBC BlockMode = "cbc"
	XTS BlockMode = "xts"
)

// IVMode selects IV generation: "plain", "plain64" or "essiv:<hash>".
type IVMode string

const (
	Plain   IVMode = "plain"
	Plain64 IVMode = "plain64"
)

// ESSIV returns the essiv IV mode over the named hash.
func ESSIV(hash string) IVMode {
	return IVMode("essiv:" + hash)
}

func (m IVMode) valid() bool {
	if m == Plain || m == Plain64 {
		return true
	}
	hash := strings.TrimPrefix(string(m), "essiv:")
	return hash != string(m) && hash != ""
}

// Params are the cipher parameters of a crypt target, loaded from the guest
// configuration.
type Params struct {
	Cipher            Cipher    `yaml:"cipher"`
	BlockMode         BlockMode `yaml:"block_mode"`
	IVMode            IVMode    `yaml:"iv_mode"`
	IVOffset          uint64    `yaml:"iv_offset"`
	AdditionalOptions []string  `yaml:"additional_options"`
}

// Validate rejects parameter combinations the kernel target would refuse.
func (p *Params) Validate() error {
	switch p.Cipher {
	case AES, Twofish, Serpent:
	default:
		return errors.Errorf("unknown cipher %q", string(p.Cipher))
	}
	switch p.BlockMode {
	case CBC, XTS:
	default:
		return errors.Errorf("unknown block mode %q", string(p.BlockMode))
	}
	if !p.IVMode.valid() {
		return errors.Errorf("unknown iv mode %q", string(p.IVMode))
	}
	return nil
}

// Key is a dm-crypt key in one of the renderings the kernel accepts on the
// target line.
type Key interface {
	fmt.Stringer
}

// RawKey renders as lowercase hex.
type RawKey []byte

func (k RawKey) String() string { return hex.EncodeToString(k) }

// HexKey is passed through unchanged.
type HexKey string

func (k HexKey) String() string { return string(k) }

// KeyringKeyType names the kernel keyring key type a KeyringKey references.
type KeyringKeyType string

const (
	KeyTypeUser      KeyringKeyType = "user"
	KeyTypeLogon     KeyringKeyType = "logon"
	KeyTypeEncrypted KeyringKeyType = "encrypted"
)

// KeyringKey references a key already loaded into the kernel keyring,
// rendered as ":<key_size>:<key_type>:<key_desc>".
type KeyringKey struct {
	Size int
	Type KeyringKeyType
	Desc string
}

func (k KeyringKey) String() string {
	return fmt.Sprintf(":%d:%s:%s", k.Size, k.Type, k.Desc)
}

// Table describes one crypt target covering [Start, Start+Length) sectors of
// the underlying device, reading ciphertext from sector Offset onward.
type Table struct {
	Start  uint64
	Length uint64
	Params *Params
	Offset uint64
}

// TargetLine renders the kernel crypt target parameter string:
//
//	<cipher>-<mode>-<iv> <key> <iv_offset> <devpath> <offset>[ <#opts> <opts...>]
func (t *Table) TargetLine(key Key, devPath string) (string, error) {
	if err := t.Params.Validate(); err != nil {
		return "", err
	}
	if devPath == "" {
		return "", errors.New("crypt target device path is empty")
	}
	line := fmt.Sprintf("%s-%s-%s %s %d %s %d",
		t.Params.Cipher,
		t.Params.BlockMode,
		t.Params.IVMode,
		key,
		t.Params.IVOffset,
		devPath,
		t.Offset,
	)
	if opts := t.Params.AdditionalOptions; len(opts) > 0 {
		line += fmt.Sprintf(" %d %s", len(opts), strings.Join(opts, " "))
	}
	return line, nil
}
