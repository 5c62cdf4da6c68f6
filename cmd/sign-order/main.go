// sign-order builds and signs an order (or cancel) envelope the way a wallet
// would, for exercising the API by hand:
//
//	sign-order -platform Ethereum -sell 100 -buy 50 -receiver <algo addr> -tx 0x...
//	sign-order -platform Algorand -seed <hex> -cancel 7
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/uhyunpark/xchange/pkg/app/core"
	"github.com/uhyunpark/xchange/pkg/app/core/auth"
	"github.com/uhyunpark/xchange/pkg/crypto"
)

func main() {
	var (
		platform = flag.String("platform", "Ethereum", "network the order is signed and paid on (Ethereum|Algorand)")
		key      = flag.String("key", "", "Ethereum private key hex (generated if empty)")
		seed     = flag.String("seed", "", "Algorand ed25519 seed hex (generated if empty)")
		words    = flag.String("mnemonic", "", "Algorand 25-word mnemonic")
		sell     = flag.String("sell", "100", "sell amount")
		buy      = flag.String("buy", "50", "buy amount")
		receiver = flag.String("receiver", "", "address on the buy network that receives the proceeds")
		txID     = flag.String("tx", "", "backing payment transaction on the platform network")
		cancelID = flag.Uint64("cancel", 0, "sign a cancel for this order id instead of an order")
	)
	flag.Parse()

	network, err := core.ParseNetwork(*platform)
	if err != nil {
		fail("platform", err)
	}

	// Step 1: Generate or load key
	keys, err := crypto.LoadKeyring(crypto.KeyringConfig{
		EthPrivateKeyHex: *key,
		AlgoMnemonic:     *words,
		AlgoSeedHex:      *seed,
		AllowGenerated:   true,
	})
	if err != nil {
		fail("key", err)
	}
	sender := keys.Eth.Address().Hex()
	if network == core.Algorand {
		sender = keys.Algo.Address()
	}
	fmt.Fprintf(os.Stderr, "Sender: %s\n", sender)
	if *key == "" && network == core.Ethereum {
		fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", keys.Eth.PrivateKeyHex())
	}

	// Step 2: Sign
	var envelope interface{}
	if *cancelID != 0 {
		envelope, err = auth.SignCancel(core.CancelPayload{
			OrderID:   *cancelID,
			SenderKey: sender,
			Platform:  network.String(),
		}, keys.Eth, keys.Algo)
	} else {
		buyNet := core.Algorand
		if network == core.Algorand {
			buyNet = core.Ethereum
		}
		envelope, err = auth.SignSubmission(core.Payload{
			SenderKey:    sender,
			ReceiverKey:  *receiver,
			BuyCurrency:  buyNet.String(),
			SellCurrency: network.String(),
			BuyAmount:    *buy,
			SellAmount:   *sell,
			Platform:     network.String(),
			PaymentRef:   *txID,
		}, keys.Eth, keys.Algo)
	}
	if err != nil {
		fail("sign", err)
	}

	// Step 3: Print the wire envelope
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	fmt.Println(string(out))
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
