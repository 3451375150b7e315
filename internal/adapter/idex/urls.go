package idex

import (
	"fmt"
	"strings"
)

// ChainMatic is the only multiverse chain the venue serves.
const ChainMatic = "matic"

type endpoints struct {
	REST      string
	WebSocket string
}

var baseURLs = map[string]map[string]endpoints{
	"production": {
		ChainMatic: {
			REST:      "https://api-matic.idex.io/v1",
			WebSocket: "wss://websocket-matic.idex.io/v1",
		},
	},
	"sandbox": {
		ChainMatic: {
			REST:      "https://api-sandbox-matic.idex.io/v1",
			WebSocket: "wss://websocket-sandbox-matic.idex.io/v1",
		},
	},
}

// BaseURLs resolves the REST and WebSocket base URLs. A non-empty override
// wins, minus any trailing slash.
func BaseURLs(sandbox bool, chain, restOverride, wsOverride string) (rest, ws string, err error) {
	env := "production"
	if sandbox {
		env = "sandbox"
	}
	known, ok := baseURLs[env][chain]

	rest = strings.TrimSuffix(restOverride, "/")
	ws = strings.TrimSuffix(wsOverride, "/")
	if rest != "" && ws != "" {
		return rest, ws, nil
	}
	if !ok {
		return "", "", fmt.Errorf("idex: base url could not be derived (sandbox? %t, chain: %s)", sandbox, chain)
	}
	if rest == "" {
		rest = known.REST
	}
	if ws == "" {
		ws = known.WebSocket
	}
	return rest, ws, nil
}
