package contract

// LaunchpadABI covers the bonding-curve launchpad: the creation event plus
// the per-token curve figures.
const LaunchpadABI = `[
 {"anonymous":false,"type":"event","name":"LaunchCreated","inputs":[
  {"indexed":true,"name":"token","type":"address"},
  {"indexed":true,"name":"creator","type":"address"},
  {"indexed":false,"name":"quoteToken","type":"address"},
  {"indexed":false,"name":"createdAt","type":"uint256"}]},
 {"type":"function","name":"bondingSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"raised","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"sold","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"isActive","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

// TokenABI is the ERC-20 metadata subset plus the launchpad's image hook.
const TokenABI = `[
 {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"imageUri","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"anonymous":false,"type":"event","name":"Transfer","inputs":[
  {"indexed":true,"name":"from","type":"address"},
  {"indexed":true,"name":"to","type":"address"},
  {"indexed":false,"name":"value","type":"uint256"}]}
]`

// PositionManagerABI is the ERC-721 position manager of a
// concentrated-liquidity exchange.
const PositionManagerABI = `[
 {"anonymous":false,"type":"event","name":"Transfer","inputs":[
  {"indexed":true,"name":"from","type":"address"},
  {"indexed":true,"name":"to","type":"address"},
  {"indexed":true,"name":"tokenId","type":"uint256"}]},
 {"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"positions","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
  {"name":"nonce","type":"uint96"},
  {"name":"operator","type":"address"},
  {"name":"token0","type":"address"},
  {"name":"token1","type":"address"},
  {"name":"fee","type":"uint24"},
  {"name":"tickLower","type":"int24"},
  {"name":"tickUpper","type":"int24"},
  {"name":"liquidity","type":"uint128"},
  {"name":"feeGrowthInside0LastX128","type":"uint256"},
  {"name":"feeGrowthInside1LastX128","type":"uint256"},
  {"name":"tokensOwed0","type":"uint128"},
  {"name":"tokensOwed1","type":"uint128"}]}
]`

// Parsed forms of the ABIs above.
var (
	ParsedLaunchpad       = mustParse(LaunchpadABI)
	ParsedToken           = mustParse(TokenABI)
	ParsedPositionManager = mustParse(PositionManagerABI)
)

// LaunchCreatedTopic is topic0 of the launchpad creation event.
var LaunchCreatedTopic = ParsedLaunchpad.Events["LaunchCreated"].ID

// TransferTopic is the shared ERC-20 / ERC-721 Transfer signature. The two
// standards differ only in how many arguments are indexed.
var TransferTopic = ParsedPositionManager.Events["Transfer"].ID
