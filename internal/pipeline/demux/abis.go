package demux

// Event ABIs, one event per fragment.
const (
	erc721TransferABI = `[{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":true}]}]`

	erc721ConsecutiveTransferABI = `[{"type":"event","name":"ConsecutiveTransfer","anonymous":false,"inputs":[
		{"name":"fromTokenId","type":"uint256","indexed":true},
		{"name":"toTokenId","type":"uint256","indexed":false},
		{"name":"fromAddress","type":"address","indexed":true},
		{"name":"toAddress","type":"address","indexed":true}]}]`

	erc1155TransferSingleABI = `[{"type":"event","name":"TransferSingle","anonymous":false,"inputs":[
		{"name":"operator","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenId","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]}]`

	erc1155TransferBatchABI = `[{"type":"event","name":"TransferBatch","anonymous":false,"inputs":[
		{"name":"operator","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"tokenIds","type":"uint256[]","indexed":false},
		{"name":"amounts","type":"uint256[]","indexed":false}]}]`

	approvalForAllABI = `[{"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"operator","type":"address","indexed":true},
		{"name":"approved","type":"bool","indexed":false}]}]`

	seaportOrderCancelledABI = `[{"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
		{"name":"orderHash","type":"bytes32","indexed":false},
		{"name":"offerer","type":"address","indexed":true},
		{"name":"zone","type":"address","indexed":true}]}]`

	seaportCounterIncrementedABI = `[{"type":"event","name":"CounterIncremented","anonymous":false,"inputs":[
		{"name":"newCounter","type":"uint256","indexed":false},
		{"name":"offerer","type":"address","indexed":true}]}]`

	sudoswapNewERC721PairABI = `[{"type":"event","name":"NewERC721Pair","anonymous":false,"inputs":[
		{"name":"poolAddress","type":"address","indexed":true},
		{"name":"initialIds","type":"uint256[]","indexed":false}]}]`

	sudoswapNFTDepositABI = `[{"type":"event","name":"NFTDeposit","anonymous":false,"inputs":[
		{"name":"poolAddress","type":"address","indexed":true},
		{"name":"ids","type":"uint256[]","indexed":false}]}]`

	sudoswapSwapNFTInPairABI = `[{"type":"event","name":"SwapNFTInPair","anonymous":false,"inputs":[
		{"name":"amountOut","type":"uint256","indexed":false},
		{"name":"ids","type":"uint256[]","indexed":false}]}]`

	sudoswapSwapNFTOutPairABI = `[{"type":"event","name":"SwapNFTOutPair","anonymous":false,"inputs":[
		{"name":"amountIn","type":"uint256","indexed":false},
		{"name":"ids","type":"uint256[]","indexed":false}]}]`

	sudoswapSpotPriceUpdateABI = `[{"type":"event","name":"SpotPriceUpdate","anonymous":false,"inputs":[
		{"name":"newSpotPrice","type":"uint128","indexed":false}]}]`

	sudoswapDeltaUpdateABI = `[{"type":"event","name":"DeltaUpdate","anonymous":false,"inputs":[
		{"name":"newDelta","type":"uint128","indexed":false}]}]`

	sudoswapFeeUpdateABI = `[{"type":"event","name":"FeeUpdate","anonymous":false,"inputs":[
		{"name":"newFee","type":"uint96","indexed":false}]}]`

	sudoswapTokenDepositABI = `[{"type":"event","name":"TokenDeposit","anonymous":false,"inputs":[
		{"name":"amount","type":"uint256","indexed":false}]}]`

	sudoswapTokenWithdrawalABI = `[{"type":"event","name":"TokenWithdrawal","anonymous":false,"inputs":[
		{"name":"amount","type":"uint256","indexed":false}]}]`

	sudoswapNFTWithdrawalABI = `[{"type":"event","name":"NFTWithdrawal","anonymous":false,"inputs":[
		{"name":"ids","type":"uint256[]","indexed":false}]}]`
)
