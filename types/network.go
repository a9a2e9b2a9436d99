package types

import "math/big"

// ChainID identifies an EVM network.
type ChainID int64

const (
	ChainGoerli          ChainID = 5
	ChainOptimisticKovan ChainID = 69
	ChainPolygonMumbai   ChainID = 80001
)

var chainNames = map[ChainID]string{
	ChainGoerli:          "goerli",
	ChainOptimisticKovan: "optimistic-kovan",
	ChainPolygonMumbai:   "polygon-mumbai",
}

// DefaultSupportedChains are the networks the relay is deployed on.
var DefaultSupportedChains = []int64{int64(ChainOptimisticKovan), int64(ChainPolygonMumbai)}

func (c ChainID) String() string {
	if n, ok := chainNames[c]; ok {
		return n
	}
	return "chain-" + big.NewInt(int64(c)).String()
}

// IsSupportedChain reports whether id is one of supported.
func IsSupportedChain(supported []int64, id *big.Int) bool {
	if id == nil || !id.IsInt64() {
		return false
	}
	for _, s := range supported {
		if s == id.Int64() {
			return true
		}
	}
	return false
}
