package decimals

import (
	"regexp"
	"strings"
)

// nativeDecimals lists the staking and fee denoms whose exponent is known.
var nativeDecimals = map[string]int{
	"uatom":   6,
	"uosmo":   6,
	"ujuno":   6,
	"untrn":   6,
	"uphoton": 6,
	"uatone":  6,
	"ustars":  6,
	"uakt":    6,
	"uscrt":   6,
	"utia":    6,
	"ustrd":   6,
	"ukuji":   6,
	"uluna":   6,
	"uaxl":    6,
	"stake":   6,
	"inj":     18,
	"aevmos":  18,
	"acanto":  18,
	"adym":    18,
	"aarch":   18,
	"basecro": 8,
}

// registryNames maps chain ids to chain-registry directory names where the
// trailing revision rule does not apply.
var registryNames = map[string]string{
	"cosmoshub-4":   "cosmoshub",
	"osmosis-1":     "osmosis",
	"atomone-1":     "atomone",
	"neutron-1":     "neutron",
	"injective-1":   "injective",
	"evmos_9001-2":  "evmos",
	"canto_7700-1":  "canto",
	"celestia":      "celestia",
	"stride-1":      "stride",
	"juno-1":        "juno",
	"kaiyo-1":       "kujira",
	"phoenix-1":     "terra2",
	"stargaze-1":    "stargaze",
	"akashnet-2":    "akash",
	"secret-4":      "secretnetwork",
	"axelar-dojo-1": "axelar",

	"dymension_1100-1":           "dymension",
	"crypto-org-chain-mainnet-1": "cryptoorgchain",
}

var revisionSuffix = regexp.MustCompile(`[-_]\d+$`)

// RegistryName returns the chain-registry directory for chainID.
func RegistryName(chainID, override string) string {
	if override != "" {
		return override
	}
	id := strings.ToLower(chainID)
	if name, ok := registryNames[id]; ok {
		return name
	}
	return revisionSuffix.ReplaceAllString(id, "")
}

// Native returns the table value for a denom.
func Native(denom string) (int, bool) {
	d, ok := nativeDecimals[strings.ToLower(denom)]
	return d, ok
}

// Heuristic guesses decimals from the denom shape: atto-prefixed, ERC-20 and
// wei denoms use 18, everything else the Cosmos default of 6.
func Heuristic(denom string) int {
	d := strings.ToLower(strings.TrimSpace(denom))
	switch {
	case strings.HasPrefix(d, "erc20/"), strings.HasPrefix(d, "0x"):
		return 18
	case strings.HasSuffix(d, "wei"):
		return 18
	case len(d) >= 4 && d[0] == 'a' && isLetters(d[1:]):
		return 18
	default:
		return 6
	}
}

func isLetters(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
