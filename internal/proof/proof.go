// Package proof encodes bridge attestations into the canonical byte layout
// that the verifying program re-derives before checking a signature.
//
// FormatBorshV1 layout, in order:
//
//	asset_id   u32 little-endian byte length, then UTF-8 bytes
//	amount     u64 little-endian
//	holder     [32]byte
//	issued_at  i64 little-endian, unix seconds
//
// Any change to this layout is a new Format. Existing formats never change.
package proof

import (
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/bridgekeeper/internal/borsh"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
)

// HolderSize is the fixed width of a holder identity.
const HolderSize = 32

// MaxAssetIDLen bounds the asset id in bytes; the on-chain record reserves
// this much space.
const MaxAssetIDLen = 32

// Format identifies an attestation byte layout.
type Format uint8

const (
	// FormatBorshV1 is the layout documented on the package.
	FormatBorshV1 Format = 1
)

// String returns the format's name.
func (f Format) String() string {
	switch f {
	case FormatBorshV1:
		return "borsh-v1"
	default:
		return "format(" + strconv.Itoa(int(f)) + ")"
	}
}

// Attestation is the claim that Amount of AssetID was debited from Holder at
// IssuedAt.
type Attestation struct {
	AssetID  string
	Amount   uint64
	Holder   []byte
	IssuedAt int64
}

// Encode encodes a with FormatBorshV1.
func Encode(a Attestation) ([]byte, error) {
	return EncodeAs(FormatBorshV1, a)
}

// EncodeAs encodes a in the given format. Identical input always yields
// identical bytes.
func EncodeAs(f Format, a Attestation) ([]byte, error) {
	if f != FormatBorshV1 {
		return nil, bridgeerr.Newf(bridgeerr.CodeEncodingError, "unsupported attestation format %s", f)
	}
	if err := Validate(a); err != nil {
		return nil, err
	}

	w := borsh.NewWriter(4 + len(a.AssetID) + 8 + HolderSize + 8)
	if err := w.String(a.AssetID); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "encode asset id", err)
	}
	w.U64(a.Amount)
	w.Fixed(a.Holder)
	w.I64(a.IssuedAt)
	return w.Bytes(), nil
}

// Validate checks that a can be encoded.
func Validate(a Attestation) error {
	if len(a.Holder) != HolderSize {
		return bridgeerr.Newf(bridgeerr.CodeEncodingError,
			"holder identity must be %d bytes, got %d", HolderSize, len(a.Holder))
	}
	if a.AssetID == "" {
		return bridgeerr.New(bridgeerr.CodeEncodingError, "asset id is empty")
	}
	if len(a.AssetID) > MaxAssetIDLen {
		return bridgeerr.Newf(bridgeerr.CodeEncodingError,
			"asset id is %d bytes, limit is %d", len(a.AssetID), MaxAssetIDLen)
	}
	if !utf8.ValidString(a.AssetID) {
		return bridgeerr.New(bridgeerr.CodeEncodingError, "asset id is not valid UTF-8")
	}
	// Two spellings of one asset would encode to different bytes.
	if !norm.NFC.IsNormalString(a.AssetID) {
		return bridgeerr.Newf(bridgeerr.CodeEncodingError, "asset id %q is not NFC-normalized", a.AssetID)
	}
	if a.Amount == 0 {
		return bridgeerr.New(bridgeerr.CodeEncodingError, "amount must be greater than 0")
	}
	return nil
}

// Decode parses a FormatBorshV1 attestation. Trailing bytes are an error.
func Decode(b []byte) (Attestation, error) {
	r := borsh.NewReader(b)

	var (
		a   Attestation
		err error
	)
	if a.AssetID, err = r.String(); err != nil {
		return Attestation{}, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "decode asset id", err)
	}
	if a.Amount, err = r.U64(); err != nil {
		return Attestation{}, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "decode amount", err)
	}
	if a.Holder, err = r.Fixed(HolderSize); err != nil {
		return Attestation{}, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "decode holder", err)
	}
	if a.IssuedAt, err = r.I64(); err != nil {
		return Attestation{}, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "decode issued_at", err)
	}
	if r.Remaining() != 0 {
		return Attestation{}, bridgeerr.Newf(bridgeerr.CodeEncodingError, "%d trailing bytes after attestation", r.Remaining())
	}
	if err := Validate(a); err != nil {
		return Attestation{}, err
	}
	return a, nil
}
