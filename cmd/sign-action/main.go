package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/uhyunpark/wagerbook/pkg/app/core"
	"github.com/uhyunpark/wagerbook/pkg/app/core/transaction"
	"github.com/uhyunpark/wagerbook/pkg/crypto"
)

func main() {
	var (
		keyHex  = flag.String("key", "", "hex private key (a fresh key is generated when empty)")
		chainID = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		action  = flag.String("action", "place_order", "action type, e.g. place_order, vote, claim, withdraw")
		target  = flag.String("target", "", "order or game id")
		side    = flag.String("side", "a", "side: a (white) or b (black)")
		amount  = flag.String("amount", "", "stake amount")
		tc      = flag.String("tc", "", "time control, e.g. 5+0")
		result  = flag.String("result", "", "result: a_wins, b_wins or draw")
		move    = flag.String("move", "", "move text")
		extra   = flag.String("params", "", "action parameter (fee bps, tier list, fee recipient)")
		nonce   = flag.String("nonce", "1", "strictly increasing per signer")
		verify  = flag.Bool("verify", true, "recover the signer after signing")
	)
	flag.Parse()

	signer, err := loadSigner(*keyHex)
	if err != nil {
		fail("key", err)
	}
	if *keyHex == "" {
		fmt.Fprintf(os.Stderr, "generated key %s for %s (KEEP SECRET!)\n", signer.PrivateKeyHex(), signer.Address().Hex())
	}

	s, err := core.ParseSide(*side)
	if err != nil {
		fail("side", err)
	}
	p := transaction.Payload{
		Action:      transaction.ActionType(*action),
		Target:      *target,
		Side:        uint8(s),
		Amount:      *amount,
		TimeControl: *tc,
		Move:        *move,
		Params:      *extra,
		Nonce:       *nonce,
	}
	if *result != "" {
		r, err := core.ParseResult(*result)
		if err != nil {
			fail("result", err)
		}
		p.Result = uint8(r)
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(*chainID)
	verifier := transaction.NewVerifier(domain)

	tx, err := transaction.Sign(verifier.Signer(), signer, p)
	if err != nil {
		fail("sign", err)
	}
	if err := tx.Validate(); err != nil {
		fail("validate", err)
	}

	if *verify {
		recovered, err := verifier.Verify(tx)
		if err != nil {
			fail("verify", err)
		}
		fmt.Fprintf(os.Stderr, "signature valid, signer %s\n", recovered.Hex())
	}

	out, err := json.MarshalIndent(tx, "", "  ")
	if err != nil {
		fail("marshal", err)
	}
	// POST the envelope to /api/v1/actions
	fmt.Println(string(out))
}

func loadSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(keyHex)
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
