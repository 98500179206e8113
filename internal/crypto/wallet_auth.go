package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a login signature does not recover to the
// claimed wallet.
var ErrBadSignature = errors.New("crypto: signature does not match address")

// NormalizeAddress validates a hex wallet address and returns its checksummed form.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("crypto: invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

// RecoverPersonalSign returns the address that produced an EIP-191
// personal_sign signature over message.
func RecoverPersonalSign(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("crypto: signature hex: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("crypto: signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	// Wallets emit V as 27/28.
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("crypto: recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}

// VerifyPersonalSign checks that signatureHex over message was produced by address.
func VerifyPersonalSign(address, message, signatureHex string) error {
	want, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	got, err := RecoverPersonalSign(message, signatureHex)
	if err != nil {
		return err
	}
	if got != want {
		return ErrBadSignature
	}
	return nil
}
