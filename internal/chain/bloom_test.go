package chain

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestAccrueBloomMatchesAddressAndTopics(t *testing.T) {
	addr := common.HexToAddress("0x0102030405060708090a0b0c0d0e0f1011121314")
	topic := common.HexToHash("0xaa")
	logs := []Log{{Address: addr, Topics: []common.Hash{topic}}}

	var b types.Bloom
	AccrueBloom(&b, logs)

	require.True(t, b.Test(addr.Bytes()))
	require.True(t, b.Test(topic.Bytes()))
	require.False(t, b.Test(common.HexToAddress("0xdead").Bytes()))
}

func TestAccrueBloomStartsFromZero(t *testing.T) {
	var stale types.Bloom
	AccrueBloom(&stale, []Log{{Address: common.HexToAddress("0x01")}})
	require.NotEqual(t, types.Bloom{}, stale)

	var fresh types.Bloom
	AccrueBloom(&fresh, nil)
	require.Equal(t, types.Bloom{}, fresh)
}
