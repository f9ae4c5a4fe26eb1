package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/legchain/internal/domain"
)

// Well-known throwaway key from the go-ethereum test suite.
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKeyRejectsEmptyPassword(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)
}

func TestGenerateWalletKey(t *testing.T) {
	blob, addr, err := GenerateWalletKey("master")
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(addr))

	pk, err := DecryptPrivateKey(blob, "master")
	require.NoError(t, err)
	assert.Equal(t, addr, ethcrypto.PubkeyToAddress(pk.PublicKey).Hex())
}

func TestLoadKeyPrefersRaw(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestSignPermitRecoversOwner(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	td := TokenDomain{
		Name:              "USD Coin",
		Version:           "2",
		VerifyingContract: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"),
	}
	p := Permit{
		Owner:    s.Address(),
		Spender:  common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Value:    big.NewInt(1_500_000),
		Nonce:    big.NewInt(0),
		Deadline: big.NewInt(1_900_000_000),
	}

	sig, err := s.SignPermit(p, td)
	require.NoError(t, err)
	assert.Contains(t, []uint8{27, 28}, sig.V)

	structHash := ethcrypto.Keccak256(concatBytes(
		permitTypeHash,
		common.LeftPadBytes(p.Owner.Bytes(), 32),
		common.LeftPadBytes(p.Spender.Bytes(), 32),
		bigIntTo32Bytes(p.Value),
		bigIntTo32Bytes(p.Nonce),
		bigIntTo32Bytes(p.Deadline),
	))
	digest := eip712Hash(s.buildContractDomainSeparator(td.Name, td.Version, td.VerifyingContract), structHash)

	raw := make([]byte, 65)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = sig.V - 27

	pub, err := ethcrypto.SigToPub(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestSignPermitRequiresAmounts(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	_, err = s.SignPermit(Permit{Owner: s.Address()}, TokenDomain{})
	assert.Error(t, err)
}

func TestSignOrderProducesSignature(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	sig, err := s.SignOrder(OrderPayload{
		Salt: "1", Maker: s.Address().Hex(), Signer: s.Address().Hex(),
		Taker: "0x0000000000000000000000000000000000000000", TokenID: "12345",
		MakerAmount: "10000000", TakerAmount: "25000000", Expiration: "0",
		Nonce: "0", FeeRateBps: "0",
	}, common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"))
	require.NoError(t, err)
	assert.Len(t, sig, 132)

	_, err = s.SignOrder(OrderPayload{Salt: "x"}, common.Address{})
	assert.Error(t, err)
}

func TestL2HeadersDeterministic(t *testing.T) {
	auth := NewHMACAuth(domain.APICredentials{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"})

	a := auth.L2HeadersAt("0xabc", "GET", "/order/1", "", 1700000000)
	b := auth.L2HeadersAt("0xabc", "GET", "/order/1", "", 1700000000)
	assert.Equal(t, a, b)
	assert.Equal(t, "1700000000", a["POLY_TIMESTAMP"])
	assert.Equal(t, "k", a["POLY_API_KEY"])
	assert.NotEmpty(t, a["POLY_SIGNATURE"])

	c := auth.L2HeadersAt("0xabc", "GET", "/order/2", "", 1700000000)
	assert.NotEqual(t, a["POLY_SIGNATURE"], c["POLY_SIGNATURE"])
	assert.NotContains(t, auth.String(), "c2VjcmV0")
}
