package balance

import "strings"

var chainNames = map[string]string{
	"cosmoshub-4":   "Cosmos Hub",
	"osmosis-1":     "Osmosis",
	"atomone-1":     "AtomOne",
	"neutron-1":     "Neutron",
	"injective-1":   "Injective",
	"evmos_9001-2":  "Evmos",
	"canto_7700-1":  "Canto",
	"celestia":      "Celestia",
	"stride-1":      "Stride",
	"juno-1":        "Juno",
	"kaiyo-1":       "Kujira",
	"phoenix-1":     "Terra",
	"stargaze-1":    "Stargaze",
	"akashnet-2":    "Akash",
	"secret-4":      "Secret Network",
	"axelar-dojo-1": "Axelar",

	"dymension_1100-1":           "Dymension",
	"crypto-org-chain-mainnet-1": "Cronos POS",
}

// ChainName returns the display name of chainID, or chainID itself.
func ChainName(chainID string) string {
	if name, ok := chainNames[strings.ToLower(chainID)]; ok {
		return name
	}
	return chainID
}
