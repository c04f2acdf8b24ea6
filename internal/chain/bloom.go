package chain

import "github.com/ethereum/go-ethereum/core/types"

// AccrueBloom folds a transaction's logs into the block's 2048-bit bloom
// filter, grounded on original_source/src/common/mod.rs's handle_bloom.
// Per spec.md §9's "start from zero" fix, callers always start from a fresh
// types.Bloom{} at commit time rather than carrying over a stale value.
func AccrueBloom(b *types.Bloom, logs []Log) {
	for _, l := range logs {
		b.Add(l.Address.Bytes())
		for _, topic := range l.Topics {
			b.Add(topic.Bytes())
		}
	}
}
