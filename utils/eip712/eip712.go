// Package eip712 hashes the ERC20MetaTransaction typed data verified by the
// relay contract and recovers signers from its signatures.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// MetaTransactionType is the primary type name.
	MetaTransactionType = "ERC20MetaTransaction"

	metaTxTypeString = "ERC20MetaTransaction(address from,address to,address tokenContract,uint256 amount,uint256 nonce,uint256 expiry)"

	// domain type strings; ordering matters
	domainTypeString        = "EIP712Domain(string name,string version,address verifyingContract)"
	domainChainIDTypeString = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
)

var (
	metaTxTypeHash        = crypto.Keccak256Hash([]byte(metaTxTypeString))
	domainTypeHash        = crypto.Keccak256Hash([]byte(domainTypeString))
	domainChainIDTypeHash = crypto.Keccak256Hash([]byte(domainChainIDTypeString))
)

// Domain is the EIP-712 signing domain of the relay. ChainID is optional and
// must match what the deployed relay expects.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Message holds the ERC20MetaTransaction fields in schema order.
type Message struct {
	From          common.Address
	To            common.Address
	TokenContract common.Address
	Amount        *big.Int
	Nonce         *big.Int
	Expiry        *big.Int
}

// padLeft32 returns a 32-byte right-aligned representation of i.
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

func addressTo32(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

// DomainSeparator computes
// keccak256(abi.encode(typeHash, keccak256(name), keccak256(version), [chainId,] verifyingContract)).
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.VerifyingContract == (common.Address{}) {
		return common.Hash{}, errors.New("incomplete domain")
	}

	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	if d.ChainID == nil {
		return crypto.Keccak256Hash(
			domainTypeHash.Bytes(),
			nameHash.Bytes(),
			versionHash.Bytes(),
			addressTo32(d.VerifyingContract),
		), nil
	}
	if d.ChainID.Sign() < 0 {
		return common.Hash{}, errors.New("negative chain id")
	}
	return crypto.Keccak256Hash(
		domainChainIDTypeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		padLeft32(d.ChainID),
		addressTo32(d.VerifyingContract),
	), nil
}

// HashMetaTransaction computes the struct hash of m.
func HashMetaTransaction(m Message) (common.Hash, error) {
	for name, v := range map[string]*big.Int{"amount": m.Amount, "nonce": m.Nonce, "expiry": m.Expiry} {
		if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
			return common.Hash{}, fmt.Errorf("invalid uint256 field %s", name)
		}
	}
	return crypto.Keccak256Hash(
		metaTxTypeHash.Bytes(),
		addressTo32(m.From),
		addressTo32(m.To),
		addressTo32(m.TokenContract),
		padLeft32(m.Amount),
		padLeft32(m.Nonce),
		padLeft32(m.Expiry),
	), nil
}

// TypedDataHash returns keccak256("\x19\x01" || domainSeparator || structHash).
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// Digest is the hash a wallet signs for m under d.
func Digest(d Domain, m Message) (common.Hash, error) {
	ds, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	sh, err := HashMetaTransaction(m)
	if err != nil {
		return common.Hash{}, err
	}
	return TypedDataHash(ds, sh), nil
}

// RecoverSigner recovers the address that signed digest.
// sig must be 65 bytes (R||S||V); V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// copy to avoid mutating caller slice
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
