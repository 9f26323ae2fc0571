package event

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Kind is the protocol family a log belongs to.
type Kind string

const (
	KindERC721     Kind = "erc721"
	KindERC1155    Kind = "erc1155"
	KindSeaport    Kind = "seaport"
	KindSudoswapV2 Kind = "sudoswap-v2"
)

// SubKind names a specific event within a Kind.
type SubKind string

const (
	SubKindERC721Transfer            SubKind = "erc721-transfer"
	SubKindERC721ConsecutiveTransfer SubKind = "erc721-consecutive-transfer"
	SubKindERC1155TransferSingle     SubKind = "erc1155-transfer-single"
	SubKindERC1155TransferBatch      SubKind = "erc1155-transfer-batch"
	SubKindApprovalForAll            SubKind = "erc721-erc1155-approval-for-all"
	SubKindSeaportOrderCancelled     SubKind = "seaport-order-cancelled"
	SubKindSeaportCounterIncremented SubKind = "seaport-counter-incremented"
	SubKindSudoswapNewERC721Pair     SubKind = "sudoswap-v2-new-erc721-pair"
	SubKindSudoswapNFTDeposit        SubKind = "sudoswap-v2-nft-deposit"
	SubKindSudoswapSwapNFTInPair     SubKind = "sudoswap-v2-swap-nft-in-pair"
	SubKindSudoswapSwapNFTOutPair    SubKind = "sudoswap-v2-swap-nft-out-pair"
	SubKindSudoswapSpotPriceUpdate   SubKind = "sudoswap-v2-spot-price-update"
	SubKindSudoswapDeltaUpdate       SubKind = "sudoswap-v2-delta-update"
	SubKindSudoswapFeeUpdate         SubKind = "sudoswap-v2-fee-update"
	SubKindSudoswapTokenDeposit      SubKind = "sudoswap-v2-token-deposit"
	SubKindSudoswapTokenWithdrawal   SubKind = "sudoswap-v2-token-withdrawal"
	SubKindSudoswapNFTWithdrawal     SubKind = "sudoswap-v2-nft-withdrawal"
)

// BaseParams carries the chain position of a decoded log.
type BaseParams struct {
	Address    string `json:"address"`
	Block      int64  `json:"block"`
	BlockHash  string `json:"blockHash"`
	TxHash     string `json:"txHash"`
	TxIndex    int    `json:"txIndex"`
	TxFrom     string `json:"txFrom"`
	LogIndex   int    `json:"logIndex"`
	Timestamp  int64  `json:"timestamp"`
	BatchIndex int    `json:"batchIndex"`
}

// Decoded is a log that matched a registered event definition.
type Decoded struct {
	Kind    Kind
	SubKind SubKind
	Params  BaseParams
	Args    map[string]any
}

// Batch groups the decoded events of one transaction. ID is stable across
// re-syncs of the same block.
type Batch struct {
	ID     uuid.UUID
	TxHash string
	Events []Decoded
}

// BatchID derives the deterministic batch id of the event at position.
func BatchID(p BaseParams) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d:%d:%s", p.TxHash, p.LogIndex, p.BatchIndex, p.BlockHash)))
}

func (d Decoded) arg(name string) (any, error) {
	v, ok := d.Args[name]
	if !ok {
		return nil, fmt.Errorf("%s: missing arg %q", d.SubKind, name)
	}
	return v, nil
}

// Address returns an address argument as lowercase hex.
func (d Decoded) Address(name string) (string, error) {
	v, err := d.arg(name)
	if err != nil {
		return "", err
	}
	a, ok := v.(common.Address)
	if !ok {
		return "", fmt.Errorf("%s: arg %q is %T, not address", d.SubKind, name, v)
	}
	return strings.ToLower(a.Hex()), nil
}

func (d Decoded) Uint(name string) (*big.Int, error) {
	v, err := d.arg(name)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: arg %q is %T, not uint", d.SubKind, name, v)
	}
	return n, nil
}

func (d Decoded) Uints(name string) ([]*big.Int, error) {
	v, err := d.arg(name)
	if err != nil {
		return nil, err
	}
	n, ok := v.([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: arg %q is %T, not uint[]", d.SubKind, name, v)
	}
	return n, nil
}

func (d Decoded) Bool(name string) (bool, error) {
	v, err := d.arg(name)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: arg %q is %T, not bool", d.SubKind, name, v)
	}
	return b, nil
}

// Bytes32 returns a bytes32 argument as lowercase 0x-prefixed hex.
func (d Decoded) Bytes32(name string) (string, error) {
	v, err := d.arg(name)
	if err != nil {
		return "", err
	}
	b, ok := v.([32]byte)
	if !ok {
		return "", fmt.Errorf("%s: arg %q is %T, not bytes32", d.SubKind, name, v)
	}
	return hexutil.Encode(b[:]), nil
}
